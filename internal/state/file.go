package state

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON string

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

const maxUpdateAttempts = 3

// File stores the ledger document as a JSON file.
type File struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewFile returns a document store backed by path. The file is created on
// the first write.
func NewFile(path string, logger zerolog.Logger) *File {
	return &File{
		path:   path,
		logger: logger.With().Str("component", "state").Str("path", path).Logger(),
	}
}

func (f *File) Path() string { return f.path }

// Load reads and validates the document. A missing file yields an empty
// document. A document that fails validation is reported as ErrCorrupt and
// never replaced by an empty one.
func (f *File) Load() (*Document, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger document: %w", err)
	}
	return f.decode(raw)
}

func (f *File) decode(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		f.logger.Error().Msg("ledger document is empty")
		return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
	}
	if err := validate(raw); err != nil {
		f.logger.Error().Err(err).Msg("ledger document failed validation")
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		f.logger.Error().Err(err).Msg("ledger document failed to decode")
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &doc, nil
}

// Save writes the document atomically: a temporary file in the same
// directory is fully written and synced, then renamed over the target.
func (f *File) Save(doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ledger document: %w", err)
	}
	if err := validate(data); err != nil {
		return fmt.Errorf("refusing to save invalid ledger document: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return fmt.Errorf("indent ledger document: %w", err)
	}
	out.WriteByte('\n')

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(out.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace ledger document: %w", err)
	}
	return nil
}

// View loads a read-only snapshot of the document.
func (f *File) View() (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Load()
}

// Update applies fn to the freshest document and writes the result with the
// revision bumped. If another writer moved the revision in the meantime the
// attempt is discarded and fn runs again on a fresh copy. Returning
// ErrNoChange from fn ends the update without writing.
func (f *File) Update(ctx context.Context, fn func(doc *Document) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		doc, err := f.Load()
		if err != nil {
			return err
		}
		rev := doc.Revision

		if err := fn(doc); err != nil {
			if errors.Is(err, ErrNoChange) {
				return nil
			}
			return err
		}

		current, err := f.revision()
		if err != nil {
			return err
		}
		if current != rev {
			f.logger.Warn().Int64("read", rev).Int64("found", current).Int("attempt", attempt).Msg("stale ledger document, retrying")
			if attempt >= maxUpdateAttempts {
				return fmt.Errorf("update after %d attempts: %w", attempt, ErrStale)
			}
			continue
		}

		doc.Revision = rev + 1
		return f.Save(doc)
	}
}

func (f *File) revision() (int64, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read ledger revision: %w", err)
	}
	var head struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return head.Revision, nil
}

func validate(raw []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return fmt.Errorf("decode JSON: %w", err)
	}
	if _, ok := value.(map[string]any); !ok {
		return fmt.Errorf("top level must be an object")
	}
	return schema.Validate(value)
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		if err := compiler.AddResource("ledger_state.schema.json", strings.NewReader(schemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("ledger_state.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}
		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	return compiledSchema, nil
}
