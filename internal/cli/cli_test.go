package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"wormflow/internal/config"
	"wormflow/internal/pipeline"
	"wormflow/internal/storage"
	"wormflow/internal/tasks"
)

func TestRunDispatchesProcessingCommands(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	temp := t.TempDir()
	rec := filepath.Join(temp, "20240101_n2", "plate01.nd2")
	touch(t, rec)

	cases := []struct {
		name       string
		args       []string
		expectType pipeline.JobType
	}{
		{"scan", []string{"scan", temp}, pipeline.JobScan},
		{"run", []string{"run", rec}, pipeline.JobRun},
		{"convert", []string{"convert", rec, "--time-downsample", "3", "--xy-downsample", "2"}, pipeline.JobConvert},
		{"filter", []string{"filter", filepath.Join(temp, "stack.tiff"), "--sigma-low", "0.5", "--sigma-high", "4"}, pipeline.JobFilter},
		{"encode", []string{"encode", filepath.Join(temp, "stack.tiff"), "--fps", "30", "--crf", "20"}, pipeline.JobEncode},
		{"track", []string{"track", filepath.Join(temp, "plate01.mov"), "--runtime", "podman"}, pipeline.JobTrack},
		{"project", []string{"project", filepath.Join(temp, "stack.tiff")}, pipeline.JobProject},
		{"compare", []string{"compare", filepath.Join(temp, "a.mov"), filepath.Join(temp, "b.mov")}, pipeline.JobCompare},
		{"metadata", []string{"metadata", rec}, pipeline.JobMetadata},
		{"aggregate", []string{"aggregate", temp, "--required-frames", "10"}, pipeline.JobAggregate},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if err := root.Run(context.Background(), tc.args); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			if fakePipe.jobs[0].Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, fakePipe.jobs[0].Type)
			}
		})
	}
}

func TestRunValidatesArguments(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"run"}); err == nil {
		t.Fatalf("expected error for missing run input")
	}
	if err := root.Run(context.Background(), []string{"compare", "only-one"}); err == nil {
		t.Fatalf("expected error for insufficient compare args")
	}
	if err := root.Run(context.Background(), []string{"convert", "a", "b"}); err == nil {
		t.Fatalf("expected error for extra convert args")
	}
}

func TestFlagsReachJobOptions(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	temp := t.TempDir()

	args := []string{"encode", filepath.Join(temp, "stack.tiff"), "--fps", "12.5", "--codec", "libx265", "--crf", "23", "--output", filepath.Join(temp, "out.mov")}
	if err := root.Run(context.Background(), args); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	job := fakePipe.jobs[0]
	if job.Output != filepath.Join(temp, "out.mov") {
		t.Fatalf("unexpected output path %q", job.Output)
	}
	if got := job.Options["fps"].(float64); got != 12.5 {
		t.Fatalf("expected fps 12.5, got %v", got)
	}
	if got := job.Options["codec"].(string); got != "libx265" {
		t.Fatalf("expected codec libx265, got %v", got)
	}
	if got := job.Options["crf"].(int); got != 23 {
		t.Fatalf("expected crf 23, got %v", got)
	}
}

func TestCompareCarriesRightInput(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if err := root.Run(context.Background(), []string{"compare", "left.mov", "right.mov"}); err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	job := fakePipe.jobs[0]
	if job.InputPath != "left.mov" {
		t.Fatalf("unexpected left input %q", job.InputPath)
	}
	if got := job.Options["right"].(string); got != "right.mov" {
		t.Fatalf("expected right.mov, got %q", got)
	}
}

func TestToolsCommandUsesManager(t *testing.T) {
	root, _, toolMgr := newTestRoot(t)
	toolMgr.status = map[string]map[string]tasks.ToolStatus{
		"converter": {"bfconvert": {Available: true, Version: "7.3", Path: "/usr/bin/bfconvert"}},
		"encoder":   {"ffmpeg": {Available: true, Version: "6.1"}},
		"runtime":   {"docker": {Available: false, Error: io.EOF}},
	}
	toolMgr.picks = map[string]string{
		"converter": "bfconvert",
		"encoder":   "ffmpeg",
		"runtime":   "",
	}

	output := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"tools", "--verbose"}); err != nil {
			t.Fatalf("tools command failed: %v", err)
		}
	})
	if !strings.Contains(output, "Wormflow Tool Status Report") {
		t.Fatalf("expected header in output: %q", output)
	}
	if !strings.Contains(output, "Conversion: bfconvert") {
		t.Fatalf("expected recommended converter in output: %q", output)
	}
	if !strings.Contains(output, "Tracking: none available") {
		t.Fatalf("expected missing runtime in output: %q", output)
	}
}

func TestServeCommandUsesInjectedFunction(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var called bool
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		called = true
		if addr != ":9999" {
			t.Fatalf("unexpected addr %s", addr)
		}
		return nil
	}
	if err := root.Run(context.Background(), []string{"serve", "--addr", ":9999"}); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if !called {
		t.Fatalf("serve function was not invoked")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)

	showOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"config", "show"}); err != nil {
			t.Fatalf("config show failed: %v", err)
		}
	})
	if !strings.Contains(showOut, "Current configuration") {
		t.Fatalf("expected configuration output, got %q", showOut)
	}

	validOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"config", "validate"}); err != nil {
			t.Fatalf("config validate failed: %v", err)
		}
	})
	if !strings.Contains(validOut, "valid") {
		t.Fatalf("expected validation output, got %q", validOut)
	}

	root.cfg.Stages.Filter.HighSigma = 0.1
	if err := root.Run(context.Background(), []string{"config", "validate"}); err == nil {
		t.Fatalf("expected validation error for inverted sigmas")
	}

	versionOut := captureOutput(t, func() {
		if err := root.Run(context.Background(), []string{"version"}); err != nil {
			t.Fatalf("version failed: %v", err)
		}
	})
	if !strings.Contains(versionOut, "wormflow v1.0.0-dev") {
		t.Fatalf("expected version string, got %q", versionOut)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	job := pipeline.Job{ID: "err-job", Type: pipeline.JobScan}
	fakePipe.jobErrors["err-job"] = context.DeadlineExceeded
	if err := root.enqueueAndWait(context.Background(), job); err == nil {
		t.Fatalf("expected error from pipeline result")
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *stubToolManager) {
	t.Helper()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	tmp := t.TempDir()
	cfg.Paths.InputRoot = tmp
	cfg.Paths.OutputRoot = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "wormflow.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()
	toolMgr := &stubToolManager{}

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
		toolFactory: func(*config.Config) toolManager {
			return toolMgr
		},
		serveFn:    defaultServe,
		newWatcher: tasks.NewRecordingWatcher,
	}
	return root, pipe, toolMgr
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"ok": true}}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
}

type stubToolManager struct {
	status map[string]map[string]tasks.ToolStatus
	picks  map[string]string
}

func (m *stubToolManager) GetToolStatus() map[string]map[string]tasks.ToolStatus {
	if m.status != nil {
		return m.status
	}
	return map[string]map[string]tasks.ToolStatus{}
}

func (m *stubToolManager) GetAvailableConverter() (string, error) {
	return m.pick("converter")
}

func (m *stubToolManager) GetAvailableEncoder() (string, error) {
	return m.pick("encoder")
}

func (m *stubToolManager) GetAvailableRuntime() (string, error) {
	return m.pick("runtime")
}

func (m *stubToolManager) pick(key string) (string, error) {
	if m.picks == nil {
		return "", os.ErrNotExist
	}
	if val := m.picks[key]; val != "" {
		return val, nil
	}
	return "", os.ErrNotExist
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
