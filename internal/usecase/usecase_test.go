package usecase

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/perimetra/salvor/internal/adapter/compressor"
	"github.com/perimetra/salvor/internal/config"
	"github.com/perimetra/salvor/internal/domain"
	"github.com/perimetra/salvor/internal/notify"
	"github.com/perimetra/salvor/internal/preflight"
)

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// recordNotifier captures every event sent during a run.
type recordNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordNotifier) Notify(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordNotifier) last() notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return notify.Event{}
	}
	return n.events[len(n.events)-1]
}

// recordRecorder captures metric calls without a registry.
type recordRecorder struct {
	mu          sync.Mutex
	runs        []string
	artifacts   map[string]int64
	lastSuccess []string
	pushes      int
	pushErr     error
}

func newRecordRecorder() *recordRecorder {
	return &recordRecorder{artifacts: map[string]int64{}}
}

func (r *recordRecorder) RecordRun(operation, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, operation+"/"+status)
}

func (r *recordRecorder) RecordArtifact(component string, sizeBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[component] = sizeBytes
}

func (r *recordRecorder) SetLastSuccess(operation string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSuccess = append(r.lastSuccess, operation)
}

func (r *recordRecorder) Push(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes++
	return r.pushErr
}

type fakePreflight struct {
	err  error
	reqs []preflight.Requirements
}

func (f *fakePreflight) Run(_ context.Context, req preflight.Requirements) error {
	f.reqs = append(f.reqs, req)
	return f.err
}

type fakeChecker struct {
	err     error
	checked []string
}

func (f *fakeChecker) Check(_ context.Context, art domain.Artifact) error {
	f.checked = append(f.checked, art.Name)
	return f.err
}

// testConfig builds a config wired to a temp backup directory with every
// component switched off; tests enable what they exercise.
func testConfig(dir string) *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "salvor"},
		Database: config.DatabaseConfig{
			Database: "appdb",
		},
		Backup: config.BackupConfig{
			Dir:           dir,
			RetentionDays: 7,
			StepTimeout:   time.Minute,
		},
		Recovery: config.RecoveryConfig{
			Point:       PointLatest,
			ScratchDB:   "salvor_scratch",
			RestoreRoot: "/",
			SampleQuery: "SELECT 1",
			StepTimeout: time.Minute,
			RTO:         time.Hour,
			RPO:         24 * time.Hour,
		},
		Replication: config.ReplicationConfig{
			WindowHours: 24,
			Concurrency: 2,
		},
		DRTest: config.DRTestConfig{
			ScratchDB:  "salvor_drtest",
			Retries:    3,
			RetryDelay: time.Millisecond,
		},
	}
}

// writeArtifact gzips payload into the local store under the canonical
// name for the component and timestamp.
func writeArtifact(local LocalStorage, app string, comp domain.Component, ts time.Time, payload string) (string, error) {
	name := domain.ArtifactName(app, comp, ts, false)
	tmp, err := writeTempFile(payload)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)
	if err := compressor.NewGzip().Compress(tmp, local.GetPath(name)); err != nil {
		return "", err
	}
	return name, nil
}

func writeTempFile(content string) (string, error) {
	f, err := os.CreateTemp("", "salvor-test-*")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}
