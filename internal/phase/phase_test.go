package phase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ppiankov/runwatch/internal/agent"
	"github.com/ppiankov/runwatch/internal/analyze"
	"github.com/ppiankov/runwatch/internal/artifact"
	"github.com/ppiankov/runwatch/internal/audit"
	"github.com/ppiankov/runwatch/internal/config"
	"github.com/ppiankov/runwatch/internal/correlate"
	"github.com/ppiankov/runwatch/internal/docker"
	"github.com/ppiankov/runwatch/internal/state"
)

var testID = strings.Repeat("fedcba9876543210", 4)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePM records every process manager call.
type fakePM struct {
	mu       sync.Mutex
	calls    []string
	launched [][]string
	stopErr  error
	queries  []string
}

func (f *fakePM) record(c string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakePM) Pull(ctx context.Context, image string) error {
	f.record("pull " + image)
	return nil
}

func (f *fakePM) Launch(ctx context.Context, args []string, onLine docker.LineFunc) (string, error) {
	f.record("launch")
	f.mu.Lock()
	f.launched = append(f.launched, args)
	f.mu.Unlock()
	return testID + "\n", nil
}

func (f *fakePM) FollowLogs(ctx context.Context, id string, onLine docker.LineFunc) error {
	f.record("logs")
	onLine(docker.Stdout, agent.MonitorReadyPattern)
	<-ctx.Done()
	return nil
}

func (f *fakePM) ListRunning(ctx context.Context) (string, error) {
	f.record("ps")
	return "CONTAINER ID\n" + testID[:12] + "\n", nil
}

func (f *fakePM) Stop(ctx context.Context, id string) error {
	f.record("stop " + id)
	return f.stopErr
}

func (f *fakePM) Query(ctx context.Context, image, dir, shellCmd string) (string, error) {
	f.record("query " + dir)
	f.mu.Lock()
	f.queries = append(f.queries, shellCmd)
	f.mu.Unlock()
	return `{"proc.name":"sh"}` + "\n", nil
}

func (f *fakePM) has(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeSteps struct {
	steps *correlate.StepTimestamps
	err   error
}

func (f fakeSteps) StepTimestamps(ctx context.Context) (*correlate.StepTimestamps, error) {
	return f.steps, f.err
}

func newStore(t *testing.T) *state.FileStore {
	t.Helper()
	s, err := state.NewFileStore(filepath.Join(t.TempDir(), "state"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRecordPreEmptyConfigFailsBeforePull(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "syscall_ignore.config")
	if err := os.WriteFile(cfgFile, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	pm := &fakePM{}
	r := New(Config{
		Inputs: config.Inputs{Mode: state.ModeRecord, ConfigFile: cfgFile},
		PM:     pm,
		Store:  newStore(t),
		Log:    quietLog(),
	})
	err := r.Pre(context.Background())
	if !errors.Is(err, config.ErrParse) {
		t.Fatalf("expected config.ErrParse, got %v", err)
	}
	if len(pm.calls) != 0 {
		t.Errorf("expected no process manager calls, got %v", pm.calls)
	}
}

func TestRecordPreStartsTracer(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "syscall_ignore.config")
	if err := os.WriteFile(cfgFile, []byte(`{"ignore_syscalls":["read","write"]}`), 0o600); err != nil {
		t.Fatal(err)
	}

	pm := &fakePM{}
	store := newStore(t)
	r := New(Config{
		Inputs:    config.Inputs{Mode: state.ModeRecord, ConfigFile: cfgFile},
		PM:        pm,
		Store:     store,
		OutputDir: dir,
		Log:       quietLog(),
	})
	if err := r.Pre(context.Background()); err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if !pm.has("pull " + agent.TracerImage) {
		t.Errorf("expected tracer pull, got %v", pm.calls)
	}
	args := strings.Join(pm.launched[0], " ")
	if !strings.Contains(args, "read, write") {
		t.Errorf("ignore list missing from launch args: %s", args)
	}
	if id, _ := store.Load(agent.TracerStateKey); id != testID {
		t.Errorf("expected stored tracer identity, got %q", id)
	}
}

func TestLivePreWritesRulesAndStartsMonitor(t *testing.T) {
	work := t.TempDir()
	pm := &fakePM{}
	store := newStore(t)
	r := New(Config{
		Inputs:    config.Inputs{Mode: state.ModeLive, Version: "0.40.0", CICDRules: true},
		PM:        pm,
		Store:     store,
		WorkDir:   work,
		OutputDir: t.TempDir(),
		Log:       quietLog(),
	})
	if err := r.Pre(context.Background()); err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if !pm.has("pull falcosecurity/falco:0.40.0") {
		t.Errorf("expected monitor pull, got %v", pm.calls)
	}
	if !strings.Contains(strings.Join(pm.launched[0], " "), "/etc/falco/rules.d/cicd_rules.yaml") {
		t.Errorf("expected cicd rules mount, got %v", pm.launched[0])
	}
	if id, _ := store.Load(agent.MonitorStateKey); id != testID {
		t.Errorf("expected stored monitor identity, got %q", id)
	}
}

func TestLivePreRejectsInvalidCustomRules(t *testing.T) {
	rules := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(rules, []byte("rule: not a list\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	pm := &fakePM{}
	r := New(Config{
		Inputs: config.Inputs{Mode: state.ModeLive, CustomRuleFile: rules},
		PM:     pm,
		Store:  newStore(t),
		Log:    quietLog(),
	})
	if err := r.Pre(context.Background()); err == nil {
		t.Fatal("expected custom rules error")
	}
	if len(pm.calls) != 0 {
		t.Errorf("expected no process manager calls, got %v", pm.calls)
	}
}

const monitorEvents = `{"rule":"Write below etc","priority":"Error","time":"2025-03-26T09:59:02.000Z","output":"file=/etc/x"}
{"rule":"Outbound connection","priority":"Notice","time":"2025-03-26T10:01:00.000Z","output":"1.2.3.4"}
`

func TestLivePostWritesCorrelatedSummary(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, agent.MonitorOutputName), []byte(monitorEvents), 0o600); err != nil {
		t.Fatal(err)
	}
	store := newStore(t)
	if err := store.Save(agent.MonitorStateKey, testID); err != nil {
		t.Fatal(err)
	}

	steps := correlate.NewStepTimestamps()
	steps.Set("Build", correlate.Span{Start: "2025-03-26T09:59:00Z", End: "2025-03-26T10:00:00Z"})

	summaryPath := filepath.Join(t.TempDir(), "summary.md")
	pm := &fakePM{}
	r := New(Config{
		Inputs:      config.Inputs{Mode: state.ModeLive},
		PM:          pm,
		Store:       store,
		Steps:       fakeSteps{steps: steps},
		SummaryPath: summaryPath,
		OutputDir:   out,
		Log:         quietLog(),
	})
	if err := r.Post(context.Background()); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !pm.has("stop " + testID) {
		t.Errorf("expected stop, got %v", pm.calls)
	}

	data, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatal(err)
	}
	md := string(data)
	for _, want := range []string{"Falco Events", "| Step |", "Build", correlate.NoStepFound} {
		if !strings.Contains(md, want) {
			t.Errorf("summary missing %q:\n%s", want, md)
		}
	}
	if id, _ := store.Load(agent.MonitorStateKey); id != "" {
		t.Errorf("expected state cleared, got %q", id)
	}
}

func TestLivePostWithoutCredentialSkipsCorrelation(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, agent.MonitorOutputName), []byte(monitorEvents), 0o600); err != nil {
		t.Fatal(err)
	}
	summaryPath := filepath.Join(t.TempDir(), "summary.md")
	pm := &fakePM{}
	r := New(Config{
		Inputs:      config.Inputs{Mode: state.ModeLive},
		PM:          pm,
		Store:       newStore(t),
		StepsErr:    errors.New("GITHUB_TOKEN env variable not found"),
		SummaryPath: summaryPath,
		OutputDir:   out,
		Log:         quietLog(),
	})
	if err := r.Post(context.Background()); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if pm.has("stop") {
		t.Errorf("expected no stop without a stored identity, got %v", pm.calls)
	}
	data, _ := os.ReadFile(summaryPath)
	if strings.Contains(string(data), "Step") {
		t.Errorf("uncorrelated summary should have no Step column:\n%s", data)
	}
}

func TestLivePostStopFailureStillReports(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, agent.MonitorOutputName), []byte(monitorEvents), 0o600); err != nil {
		t.Fatal(err)
	}
	store := newStore(t)
	_ = store.Save(agent.MonitorStateKey, testID)
	summaryPath := filepath.Join(t.TempDir(), "summary.md")

	r := New(Config{
		Inputs:      config.Inputs{Mode: state.ModeLive},
		PM:          &fakePM{stopErr: errors.New("no such container")},
		Store:       store,
		SummaryPath: summaryPath,
		OutputDir:   out,
		Log:         quietLog(),
	})
	if err := r.Post(context.Background()); err != nil {
		t.Fatalf("monitor stop failure should be soft, got %v", err)
	}
	if _, err := os.Stat(summaryPath); err != nil {
		t.Errorf("expected summary despite stop failure: %v", err)
	}
}

func TestLivePostMalformedOutputFails(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, agent.MonitorOutputName), []byte("{not json}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	summaryPath := filepath.Join(t.TempDir(), "summary.md")
	r := New(Config{
		Inputs:      config.Inputs{Mode: state.ModeLive},
		PM:          &fakePM{},
		Store:       newStore(t),
		SummaryPath: summaryPath,
		OutputDir:   out,
		Log:         quietLog(),
	})
	if err := r.Post(context.Background()); err == nil {
		t.Fatal("expected harvest error")
	}
	if _, err := os.Stat(summaryPath); !os.IsNotExist(err) {
		t.Errorf("expected no summary, stat err=%v", err)
	}
}

func TestRecordPostMissingIdentity(t *testing.T) {
	pm := &fakePM{}
	r := New(Config{
		Inputs: config.Inputs{Mode: state.ModeRecord},
		PM:     pm,
		Store:  newStore(t),
		Log:    quietLog(),
	})
	err := r.Post(context.Background())
	if !errors.Is(err, agent.ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
	if pm.has("stop") {
		t.Errorf("expected no stop, got %v", pm.calls)
	}
}

func TestRecordPostUploadsCapture(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, agent.TracerOutputName), []byte("scap-data"), 0o600); err != nil {
		t.Fatal(err)
	}
	store := newStore(t)
	_ = store.Save(agent.TracerStateKey, testID)
	arts, err := artifact.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	r := New(Config{
		Inputs:    config.Inputs{Mode: state.ModeRecord},
		PM:        &fakePM{},
		Store:     store,
		Artifacts: arts,
		OutputDir: out,
		Log:       quietLog(),
	})
	if err := r.Post(context.Background()); err != nil {
		t.Fatalf("Post: %v", err)
	}
	a, err := arts.Get(context.Background(), CaptureArtifact)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Size != int64(len("scap-data")) {
		t.Errorf("unexpected artifact size %d", a.Size)
	}
}

func TestRecordPostEmptyCapture(t *testing.T) {
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, agent.TracerOutputName), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	store := newStore(t)
	_ = store.Save(agent.TracerStateKey, testID)
	r := New(Config{
		Inputs:    config.Inputs{Mode: state.ModeRecord},
		PM:        &fakePM{},
		Store:     store,
		OutputDir: out,
		Log:       quietLog(),
	})
	if err := r.Post(context.Background()); !errors.Is(err, agent.ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput, got %v", err)
	}
}

func TestAnalyzeRunsQueries(t *testing.T) {
	src := t.TempDir()
	capture := filepath.Join(src, agent.TracerOutputName)
	if err := os.WriteFile(capture, []byte("scap-data"), 0o600); err != nil {
		t.Fatal(err)
	}
	arts, err := artifact.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := arts.Upload(context.Background(), CaptureArtifact, []string{capture}, src); err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	summaryPath := filepath.Join(t.TempDir(), "summary.md")
	pm := &fakePM{}
	r := New(Config{
		Inputs:      config.Inputs{Mode: state.ModeAnalyze, Version: "latest"},
		PM:          pm,
		Store:       newStore(t),
		Artifacts:   arts,
		SummaryPath: summaryPath,
		OutputDir:   out,
		Summarize: func(ctx context.Context, report string) (string, error) {
			return "No action needed.", nil
		},
		Log: quietLog(),
	})
	if err := r.Pre(context.Background()); err != nil {
		t.Fatalf("Pre: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, agent.TracerOutputName)); err != nil {
		t.Errorf("capture not downloaded: %v", err)
	}
	if !pm.has("pull "+agent.TracerImage) || !pm.has("pull falcosecurity/falco:latest") {
		t.Errorf("expected both image pulls, got %v", pm.calls)
	}
	if len(pm.queries) != len(analyze.DefaultQueries()) {
		t.Errorf("expected %d queries, got %d", len(analyze.DefaultQueries()), len(pm.queries))
	}
	// The capture lives in the output dir, so that is what the query
	// container must see.
	if !pm.has("query " + out) {
		t.Errorf("expected queries to mount %s, got %v", out, pm.calls)
	}
	for _, q := range pm.queries {
		if !strings.Contains(q, filepath.Join(out, agent.TracerOutputName)) {
			t.Errorf("query does not read the downloaded capture: %s", q)
		}
	}
	data, _ := os.ReadFile(summaryPath)
	if !strings.Contains(string(data), "# Summary") || !strings.Contains(string(data), "No action needed.") {
		t.Errorf("unexpected analysis summary:\n%s", data)
	}
}

func TestAnalyzeMissingArtifact(t *testing.T) {
	arts, err := artifact.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pm := &fakePM{}
	r := New(Config{
		Inputs:    config.Inputs{Mode: state.ModeAnalyze},
		PM:        pm,
		Store:     newStore(t),
		Artifacts: arts,
		Log:       quietLog(),
	})
	if err := r.Pre(context.Background()); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(pm.calls) != 0 {
		t.Errorf("expected no pulls, got %v", pm.calls)
	}
}

func TestRunDetectsPhase(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "syscall_ignore.config")
	_ = os.WriteFile(cfgFile, []byte(`{"ignore_syscalls":[]}`), 0o600)
	store := newStore(t)
	_ = os.WriteFile(filepath.Join(dir, agent.TracerOutputName), []byte("x"), 0o600)
	arts, _ := artifact.NewDirStore(t.TempDir())

	cfg := Config{
		Inputs:    config.Inputs{Mode: state.ModeRecord, ConfigFile: cfgFile},
		PM:        &fakePM{},
		Store:     store,
		Artifacts: arts,
		OutputDir: dir,
		Log:       quietLog(),
	}
	ps, err := New(cfg).Run(context.Background())
	if err != nil || ps.IsPost {
		t.Fatalf("first run: phase=%s err=%v", ps, err)
	}
	ps, err = New(cfg).Run(context.Background())
	if err != nil || !ps.IsPost {
		t.Fatalf("second run: phase=%s err=%v", ps, err)
	}
}

type memJournal struct {
	entries []audit.Entry
}

func (m *memJournal) Record(e audit.Entry) error {
	m.entries = append(m.entries, e)
	return nil
}

func TestJournalRecordsLifecycle(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "syscall_ignore.config")
	_ = os.WriteFile(cfgFile, []byte(`{"ignore_syscalls":[]}`), 0o600)
	arts, _ := artifact.NewDirStore(t.TempDir())
	store := newStore(t)
	journal := &memJournal{}

	cfg := Config{
		Inputs:    config.Inputs{Mode: state.ModeRecord, ConfigFile: cfgFile},
		PM:        &fakePM{},
		Store:     store,
		Artifacts: arts,
		OutputDir: dir,
		Journal:   journal,
		Log:       quietLog(),
	}
	if err := New(cfg).Pre(context.Background()); err != nil {
		t.Fatalf("Pre: %v", err)
	}
	_ = os.WriteFile(filepath.Join(dir, agent.TracerOutputName), []byte("scap"), 0o600)
	if err := New(cfg).Post(context.Background()); err != nil {
		t.Fatalf("Post: %v", err)
	}

	want := []struct{ phase, action, outcome string }{
		{"pre", "start", audit.OutcomeOK},
		{"post", "stop", audit.OutcomeOK},
		{"post", "upload", audit.OutcomeOK},
	}
	if len(journal.entries) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), journal.entries)
	}
	for i, w := range want {
		e := journal.entries[i]
		if e.Phase != w.phase || e.Action != w.action || e.Outcome != w.outcome || e.Mode != "record" {
			t.Errorf("entry %d: got %+v, want %+v", i, e, w)
		}
	}
	if journal.entries[0].Identity != testID || journal.entries[0].Kind != "tracer" {
		t.Errorf("start entry missing agent details: %+v", journal.entries[0])
	}
}
