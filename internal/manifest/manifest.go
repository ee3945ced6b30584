package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/perimetra/salvor/internal/domain"
)

// SchemaVersion is bumped whenever the manifest layout changes in a way
// old readers cannot handle.
const SchemaVersion = 1

// ErrNoManifests is returned by Latest when no run has been recorded.
var ErrNoManifests = errors.New("no manifests found")

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Manifest records one backup run: which artifacts it produced, with
// what checksums, and how it ended.
type Manifest struct {
	SchemaVersion int               `json:"schema_version"`
	RunID         string            `json:"run_id"`
	App           string            `json:"app"`
	Trigger       string            `json:"trigger"`
	Host          string            `json:"host"`
	DryRun        bool              `json:"dry_run"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at"`
	Status        Status            `json:"status"`
	Artifacts     []domain.Artifact `json:"artifacts"`
	Errors        []string          `json:"errors,omitempty"`
}

// New starts a manifest for a backup run beginning now.
func New(app string, trigger domain.Trigger, dryRun bool) *Manifest {
	hostname, _ := os.Hostname()
	return &Manifest{
		SchemaVersion: SchemaVersion,
		RunID:         uuid.NewString(),
		App:           app,
		Trigger:       string(trigger),
		Host:          hostname,
		DryRun:        dryRun,
		StartedAt:     time.Now().UTC(),
		Status:        StatusSuccess,
	}
}

// AddError records a component failure and degrades the run status.
func (m *Manifest) AddError(err error) {
	m.Errors = append(m.Errors, err.Error())
	if len(m.Artifacts) > 0 {
		m.Status = StatusPartial
	} else {
		m.Status = StatusFailed
	}
}

// Finish stamps the end time and settles the final status.
func (m *Manifest) Finish() {
	m.FinishedAt = time.Now().UTC()
	if len(m.Errors) == 0 {
		m.Status = StatusSuccess
	} else if len(m.Artifacts) > 0 {
		m.Status = StatusPartial
	} else {
		m.Status = StatusFailed
	}
}

// Store reads and writes manifests under <backupDir>/manifests.
type Store struct {
	dir string
}

func NewStore(backupDir string) *Store {
	return &Store{dir: filepath.Join(backupDir, "manifests")}
}

func (s *Store) Dir() string { return s.dir }

// Write persists the manifest under a timestamped name. The write goes
// through a temp file and rename, so a reader never sees a half-written
// manifest.
func (s *Store) Write(m *Manifest) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest directory: %w", err)
	}

	name := fmt.Sprintf("manifest_%s.json", m.StartedAt.Format(domain.TimestampLayout))
	path := filepath.Join(s.dir, name)
	if err := WriteJSONAtomic(path, m); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads one manifest and refuses schemas newer than this binary
// understands.
func (s *Store) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
	}
	if m.SchemaVersion == 0 {
		return nil, fmt.Errorf("manifest %s has no schema_version", filepath.Base(path))
	}
	if m.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("manifest %s uses schema %d, newer than supported %d",
			filepath.Base(path), m.SchemaVersion, SchemaVersion)
	}
	return &m, nil
}

// List returns manifest paths sorted oldest to newest by the timestamp
// embedded in the filename.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest directory: %w", err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "manifest_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if _, err := domain.ExtractTimestamp(name); err != nil {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, name))
	}

	sort.Slice(paths, func(i, j int) bool {
		ti, _ := domain.ExtractTimestamp(filepath.Base(paths[i]))
		tj, _ := domain.ExtractTimestamp(filepath.Base(paths[j]))
		return ti.Before(tj)
	})
	return paths, nil
}

// Latest loads the newest manifest.
func (s *Store) Latest() (*Manifest, error) {
	paths, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoManifests
	}
	return s.Load(paths[len(paths)-1])
}

// WriteJSONAtomic marshals v and writes it via temp file plus rename.
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	_, err = tmp.Write(append(data, '\n'))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
