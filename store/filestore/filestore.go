// Package filestore keeps module definitions as YAML files on disk, one
// directory per kind:
//
//	<root>/authentication/otp.yaml
//	<root>/consent_gathering/auto.yaml
//
// Files are the source of truth and may be edited by hand; reload.FileTrigger
// watches Dir. Error records are appended as JSON lines under <root>/.errors.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ggoodman/policyhost/module"
	"github.com/ggoodman/policyhost/store"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

const errorsDir = ".errors"

// Config configures a Store.
type Config struct {
	// Dir is the root directory. It is created if missing.
	Dir string
	// ErrorHistory bounds the records kept per module.
	// Default: store.DefaultErrorHistory.
	ErrorHistory int
}

// Store implements store.Catalog over a directory tree.
type Store struct {
	dir     string
	history int

	mu    sync.Mutex // guards module file writes
	errMu sync.Mutex // guards error log rewrites
}

// New opens (creating if needed) the directory tree rooted at cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("filestore: dir is required")
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = store.DefaultErrorHistory
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, errorsDir), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", cfg.Dir, err)
	}
	return &Store{dir: cfg.Dir, history: cfg.ErrorHistory}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

// KindDir returns the directory holding the definitions of kind.
func (s *Store) KindDir(kind module.Kind) string {
	return filepath.Join(s.dir, string(kind))
}

// fileName maps a module id onto a file name. Ids are opaque and may contain
// path separators.
func fileName(id string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", ":", "_")
	return r.Replace(id)
}

func (s *Store) modulePath(kind module.Kind, id string) string {
	return filepath.Join(s.KindDir(kind), fileName(id)+".yaml")
}

// ListModules parses every *.yaml and *.yml file of the kind directory. A
// file whose kind field is empty inherits the directory's kind; one naming a
// different kind is an error.
func (s *Store) ListModules(ctx context.Context, kind module.Kind) ([]module.Source, error) {
	entries, err := os.ReadDir(s.KindDir(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: list %s: %w", kind, err)
	}
	out := make([]module.Source, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		src, err := readSource(filepath.Join(s.KindDir(kind), e.Name()))
		if err != nil {
			return nil, err
		}
		if src.Kind == "" {
			src.Kind = kind
		}
		if src.Kind != kind {
			return nil, fmt.Errorf("filestore: %s declares kind %s inside %s", e.Name(), src.Kind, kind)
		}
		if err := store.Validate(src); err != nil {
			return nil, fmt.Errorf("filestore: %s: %w", e.Name(), err)
		}
		out = append(out, src)
	}
	store.SortByID(out)
	return out, nil
}

func readSource(path string) (module.Source, error) {
	var src module.Source
	data, err := os.ReadFile(path)
	if err != nil {
		return src, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&src); err != nil {
		return src, fmt.Errorf("filestore: parse %s: %w", path, err)
	}
	return src, nil
}

// PutModule writes the module's file atomically.
func (s *Store) PutModule(ctx context.Context, src module.Source) error {
	if err := store.Validate(src); err != nil {
		return err
	}
	data, err := yaml.Marshal(src)
	if err != nil {
		return fmt.Errorf("filestore: marshal %s: %w", src.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.KindDir(src.Kind), 0o755); err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	return writeAtomic(s.modulePath(src.Kind, src.ID), data)
}

// DeleteModule removes the module's file.
func (s *Store) DeleteModule(ctx context.Context, kind module.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.modulePath(kind, id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, kind, id)
	}
	if err != nil {
		return fmt.Errorf("filestore: delete %s: %w", id, err)
	}
	return nil
}

func (s *Store) errorsPath(moduleID string) string {
	return filepath.Join(s.dir, errorsDir, fileName(moduleID)+".jsonl")
}

// WriteScriptError appends rec to the module's error log, rewriting the file
// once it exceeds the retention limit.
func (s *Store) WriteScriptError(ctx context.Context, moduleID string, rec module.ErrorRecord) error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	recs, err := s.readErrors(moduleID)
	if err != nil {
		return err
	}
	recs = append(recs, rec)
	if len(recs) > s.history {
		recs = recs[len(recs)-s.history:]
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("filestore: encode error record: %w", err)
		}
	}
	return writeAtomic(s.errorsPath(moduleID), buf.Bytes())
}

// ScriptErrors returns the retained records of a module, oldest first.
func (s *Store) ScriptErrors(ctx context.Context, moduleID string) ([]module.ErrorRecord, error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErrors(moduleID)
}

func (s *Store) readErrors(moduleID string) ([]module.ErrorRecord, error) {
	f, err := os.Open(s.errorsPath(moduleID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: open error log: %w", err)
	}
	defer f.Close()

	var out []module.ErrorRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec module.ErrorRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("filestore: corrupt error log for %s: %w", moduleID, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: read error log: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("filestore: rename %s: %w", path, err)
	}
	return nil
}

// Schema returns the JSON schema of a module definition file, suitable for
// editor validation of the YAML files.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(module.Source))
	s.Title = "policyhost module definition"
	return s
}

var _ store.Catalog = (*Store)(nil)
