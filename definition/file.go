package definition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/logging"
)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// Tenant assigned to definitions that do not declare one. Empty keeps
	// them shared by every tenant.
	DefaultTenant string
	// Debounce delays reloads after a burst of file system events.
	Debounce time.Duration
	Logger   logging.Logger
}

// FileStore serves definitions loaded from *.yaml, *.yml and *.json files of
// a directory. A file may hold several YAML documents.
type FileStore struct {
	dir  string
	opts FileStoreOptions

	*MemoryStore
}

var _ core.DefinitionStore = (*FileStore)(nil)

// NewFileStore loads every definition file below dir.
func NewFileStore(dir string, optFns ...func(o *FileStoreOptions)) (*FileStore, error) {
	opts := FileStoreOptions{
		Debounce: 200 * time.Millisecond,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	s := &FileStore{dir: dir, opts: opts, MemoryStore: NewMemoryStore()}

	if err := s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Dir returns the watched directory.
func (s *FileStore) Dir() string { return s.dir }

// Reload re-reads the directory and atomically replaces the content. On
// error the previous content is kept.
func (s *FileStore) Reload() error {
	defs := map[key]*core.AgentDefinition{}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read definition dir %s: %w", s.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}

		path := filepath.Join(s.dir, e.Name())

		loaded, err := LoadFile(path)
		if err != nil {
			return err
		}

		for _, d := range loaded {
			if d.TenantID == "" {
				d.TenantID = s.opts.DefaultTenant
			}

			k := key{tenant: d.TenantID, id: d.ID}
			if _, dup := defs[k]; dup {
				return fmt.Errorf("%s: duplicate definition id %q", path, d.ID)
			}

			defs[k] = d
		}
	}

	s.replace(defs)

	s.opts.Logger.Info("definition.reload", "dir", s.dir, "count", len(defs))

	return nil
}

// Watch reloads the store whenever the directory changes and then invokes
// onChange (if set). It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}

			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !isDefinitionFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(s.opts.Debounce)
			} else {
				timer.Reset(s.opts.Debounce)
			}

			trigger = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			s.opts.Logger.Warn("definition.watch.error", "dir", s.dir, "error", err.Error())
		case <-trigger:
			trigger = nil

			if err := s.Reload(); err != nil {
				s.opts.Logger.Error("definition.reload.failed", "dir", s.dir, "error", err.Error())
				continue
			}

			if onChange != nil {
				onChange()
			}
		}
	}
}

// LoadFile decodes all definitions of a file. Every definition must carry an
// id (the name is used when id is missing).
func LoadFile(path string) ([]*core.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	defs, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return defs, nil
}

// Decode parses one or more YAML (or JSON) documents into definitions.
func Decode(data []byte) ([]*core.AgentDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var defs []*core.AgentDefinition

	for {
		var d core.AgentDefinition

		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("decode definition: %w", err)
		}

		if d.ID == "" {
			d.ID = d.Name
		}

		if d.ID == "" {
			return nil, fmt.Errorf("definition %d has neither id nor name", len(defs)+1)
		}

		defs = append(defs, &d)
	}

	return defs, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
