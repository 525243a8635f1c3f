package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/querychat/querychat/internal/storage"
)

// Definitions holds curated JSON documents describing table semantics that
// raw column types cannot express. Each document is kept verbatim.
type Definitions struct {
	Tables []json.RawMessage `json:"tables"`
}

// JSON renders the document as {"tables": [...]}. A nil slice renders as an
// empty array.
func (d Definitions) JSON() string {
	tables := d.Tables
	if tables == nil {
		tables = []json.RawMessage{}
	}
	raw, err := json.Marshal(Definitions{Tables: tables})
	if err != nil {
		return `{"tables":[]}`
	}
	return string(raw)
}

type DefinitionsLoadError struct {
	Source string
	Err    error
}

func (e *DefinitionsLoadError) Error() string {
	return fmt.Sprintf("load definitions from %s: %v", e.Source, e.Err)
}

func (e *DefinitionsLoadError) Unwrap() error {
	return e.Err
}

type DefinitionsSource interface {
	Load(ctx context.Context) (Definitions, error)
}

// DirSource reads every regular file at the root of FS. Files are visited in
// lexical order.
type DirSource struct {
	FS   fs.FS
	Name string
}

func NewDirSource(dir string) DirSource {
	return DirSource{FS: os.DirFS(dir), Name: dir}
}

func (s DirSource) Load(_ context.Context) (Definitions, error) {
	if s.FS == nil {
		return Definitions{}, &DefinitionsLoadError{Source: s.Name, Err: fmt.Errorf("filesystem is required")}
	}
	entries, err := fs.ReadDir(s.FS, ".")
	if err != nil {
		return Definitions{}, &DefinitionsLoadError{Source: s.Name, Err: err}
	}

	defs := Definitions{Tables: []json.RawMessage{}}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		raw, err := fs.ReadFile(s.FS, entry.Name())
		if err != nil {
			return Definitions{}, &DefinitionsLoadError{Source: entry.Name(), Err: err}
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return Definitions{}, &DefinitionsLoadError{Source: entry.Name(), Err: err}
		}
		defs.Tables = append(defs.Tables, doc)
	}
	return defs, nil
}

// ObjectStoreSource reads every object below Prefix.
type ObjectStoreSource struct {
	Store  storage.ObjectStore
	Prefix string
}

func (s ObjectStoreSource) Load(ctx context.Context) (Definitions, error) {
	if s.Store == nil {
		return Definitions{}, &DefinitionsLoadError{Source: s.Prefix, Err: fmt.Errorf("object store is required")}
	}
	objects, err := s.Store.List(ctx, s.Prefix)
	if err != nil {
		return Definitions{}, &DefinitionsLoadError{Source: s.Prefix, Err: err}
	}

	defs := Definitions{Tables: []json.RawMessage{}}
	for _, obj := range objects {
		raw, err := s.read(ctx, obj.Key)
		if err != nil {
			return Definitions{}, &DefinitionsLoadError{Source: obj.Key, Err: err}
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return Definitions{}, &DefinitionsLoadError{Source: obj.Key, Err: err}
		}
		defs.Tables = append(defs.Tables, doc)
	}
	return defs, nil
}

func (s ObjectStoreSource) read(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func decodeDocument(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return json.RawMessage(compacted.Bytes()), nil
}
