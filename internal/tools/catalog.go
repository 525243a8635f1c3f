// Package tools describes the functions the model may call and turns the
// calls it makes back into typed values.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/querychat/querychat/internal/llm"
	"github.com/querychat/querychat/internal/schema"
)

const SQLQueryToolName = "get_sql_query_response"

type SchemaDescriber interface {
	Describe(ctx context.Context) (string, error)
}

// Descriptor is one callable tool as offered to the model.
type Descriptor struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

func (d Descriptor) Spec() (llm.ToolSpec, error) {
	raw, err := json.Marshal(d.Parameters)
	if err != nil {
		return llm.ToolSpec{}, fmt.Errorf("marshal parameters for %s: %w", d.Name, err)
	}
	return llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: raw}, nil
}

func Specs(descriptors []Descriptor) ([]llm.ToolSpec, error) {
	out := make([]llm.ToolSpec, 0, len(descriptors))
	for _, d := range descriptors {
		spec, err := d.Spec()
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

type BuilderConfig struct {
	Schema      SchemaDescriber
	Definitions schema.DefinitionsSource
	// Dialect names the SQL flavor the model should write, e.g. "PostgreSQL".
	Dialect string
	Logger  *slog.Logger
}

// Builder assembles the catalog from live database metadata. Nothing is
// cached: every Build sees the current schema and definitions.
type Builder struct {
	schema      SchemaDescriber
	definitions schema.DefinitionsSource
	dialect     string
	logger      *slog.Logger
	now         func() time.Time
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Schema == nil {
		return nil, fmt.Errorf("schema describer is required")
	}
	if cfg.Definitions == nil {
		return nil, fmt.Errorf("definitions source is required")
	}
	dialect := strings.TrimSpace(cfg.Dialect)
	if dialect == "" {
		dialect = "SQL"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		schema:      cfg.Schema,
		definitions: cfg.Definitions,
		dialect:     dialect,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// DialectFor maps a configured database driver to the name used in prompts.
func DialectFor(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		return "PostgreSQL"
	case "duckdb":
		return "DuckDB"
	default:
		return "SQL"
	}
}

func (b *Builder) Build(ctx context.Context) ([]Descriptor, error) {
	description, err := b.schema.Describe(ctx)
	if err != nil {
		return nil, fmt.Errorf("describe schema: %w", err)
	}
	definitions, err := b.definitions.Load(ctx)
	if err != nil {
		return nil, err
	}

	params, err := sqlQueryParameters(b.queryDescription(description, definitions.JSON()))
	if err != nil {
		return nil, err
	}
	b.logger.DebugContext(ctx, "built tool catalog", slog.Int("schema_bytes", len(description)), slog.Int("definitions", len(definitions.Tables)))
	return []Descriptor{{
		Name:        SQLQueryToolName,
		Description: fmt.Sprintf("Use this function to answer user questions about Production data. Input should be a fully formed %s query.", b.dialect),
		Parameters:  params,
	}}, nil
}

func (b *Builder) queryDescription(schemaText, definitions string) string {
	return fmt.Sprintf(
		"%[1]s query extracting info to answer the user's question. "+
			"%[1]s should be written using this database schema: %[2]s "+
			"The query should be returned in plain text, not in JSON. "+
			"Use today's date %[3]s. "+
			"Don't assume any column names that are not in the database schema, use the following data definitions instead: %[4]s",
		b.dialect,
		schemaText,
		b.now().Format(time.DateTime),
		definitions,
	)
}

type sqlQueryArgs struct {
	Query string `json:"query"`
}

func sqlQueryParameters(description string) (*jsonschema.Schema, error) {
	s, err := jsonschema.For[sqlQueryArgs](nil)
	if err != nil {
		return nil, fmt.Errorf("create query input schema: %w", err)
	}
	prop, ok := s.Properties["query"]
	if !ok {
		return nil, fmt.Errorf("query input schema has no query property")
	}
	prop.Description = description
	s.Required = []string{"query"}
	s.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
	return s, nil
}
