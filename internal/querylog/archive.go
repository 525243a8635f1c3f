package querylog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/querychat/querychat/internal/observability"
	"github.com/querychat/querychat/internal/storage"
)

const archiveDataset = "query-log"

type ArchiveResult struct {
	Key         string
	RecordCount int64
	// Skipped is set when an export for the same id range already exists.
	Skipped bool
}

// Archiver exports the most recent attempts as a parquet object.
type Archiver struct {
	store   *Store
	objects storage.ObjectStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewArchiver(store *Store, objects storage.ObjectStore, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, objects: objects, logger: logger, now: time.Now}
}

func (a *Archiver) Archive(ctx context.Context, limit int) (ArchiveResult, error) {
	attempts, err := a.store.Recent(ctx, limit)
	if err != nil {
		return ArchiveResult{}, err
	}
	if len(attempts) == 0 {
		a.logger.InfoContext(ctx, "no query attempts to archive")
		return ArchiveResult{}, nil
	}

	encoded, err := EncodeParquet(attempts)
	if err != nil {
		return ArchiveResult{}, err
	}
	key, err := storage.BuildArchivePath(archiveDataset, a.now(), encoded.MinID, encoded.MaxID)
	if err != nil {
		return ArchiveResult{}, err
	}
	_, statErr := a.objects.Stat(ctx, key)
	switch {
	case statErr == nil:
		a.logger.InfoContext(ctx, "query attempts already archived", slog.String("key", key))
		return ArchiveResult{Key: key, Skipped: true}, nil
	case !errors.Is(statErr, storage.ErrObjectNotFound):
		return ArchiveResult{}, fmt.Errorf("check archive %q: %w", key, statErr)
	}
	if _, err := a.objects.Put(ctx, key, bytes.NewReader(encoded.Data), int64(len(encoded.Data)), storage.PutOptions{
		ContentType: "application/vnd.apache.parquet",
	}); err != nil {
		return ArchiveResult{}, fmt.Errorf("upload archive: %w", err)
	}

	observability.AddArchivedAttempts(int(encoded.RecordCount))
	a.logger.InfoContext(ctx, "query attempts archived",
		slog.String("key", key),
		slog.Int64("records", encoded.RecordCount),
		slog.Int64("min_id", encoded.MinID),
		slog.Int64("max_id", encoded.MaxID),
	)
	return ArchiveResult{Key: key, RecordCount: encoded.RecordCount}, nil
}
