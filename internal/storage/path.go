package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildArchivePath lays out query log exports by UTC export hour so a bucket
// listing stays ordered by time.
func BuildArchivePath(dataset string, exportedAt time.Time, firstID, lastID int64) (string, error) {
	if err := validatePathComponent(dataset, "dataset"); err != nil {
		return "", err
	}
	if firstID < 0 || lastID < firstID {
		return "", fmt.Errorf("invalid id range %d-%d", firstID, lastID)
	}

	ts := exportedAt.UTC()
	return path.Join(
		dataset,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("attempts-%010d-%010d.parquet", firstID, lastID),
	), nil
}

func BuildDefinitionsPrefix(name string) (string, error) {
	if name == "" {
		return "definitions", nil
	}
	if err := validatePathComponent(name, "definitions set"); err != nil {
		return "", err
	}
	return path.Join("definitions", name), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
