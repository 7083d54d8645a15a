package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/yas/internal/config"
	"github.com/jkaninda/yas/internal/fetch"
	"github.com/jkaninda/yas/internal/history"
	"github.com/jkaninda/yas/internal/observability"
	"github.com/jkaninda/yas/internal/resolver"
	"github.com/jkaninda/yas/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// toolServer serves tool bodies in-process, without a listener.
type toolServer struct {
	bodies map[string]string
	maxAge int
	hits   atomic.Int32
}

func (s *toolServer) RoundTrip(req *http.Request) (*http.Response, error) {
	s.hits.Add(1)
	rec := httptest.NewRecorder()
	rec.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	body, ok := s.bodies[req.URL.Path]
	if !ok {
		http.NotFound(rec, req)
	} else {
		if s.maxAge > 0 {
			rec.Header().Set("Cache-Control", "max-age="+strconv.Itoa(s.maxAge))
		}
		io.WriteString(rec, body)
	}
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

type recorder struct {
	runs []history.Run
	err  error
}

func (r *recorder) Record(_ context.Context, run history.Run) error {
	r.runs = append(r.runs, run)
	return r.err
}

type fixture struct {
	server *toolServer
	home   string
	env    map[string]string
}

func newFixture(t *testing.T, bodies map[string]string) *fixture {
	t.Helper()
	home := t.TempDir()
	return &fixture{
		server: &toolServer{bodies: bodies, maxAge: 3600},
		home:   home,
		env: map[string]string{
			EnvBase: "https://example.test",
			EnvHome: home,
		},
	}
}

func (f *fixture) options(stdout io.Writer) Options {
	return Options{
		Stdout:      stdout,
		GuestOutput: io.Discard,
		Logger:      testLogger(),
		Transport:   f.server,
		DataHome:    func() (string, error) { return "", errors.New("unused") },
	}
}

func (f *fixture) run(t *testing.T, args []string, opts Options) (*Report, error) {
	t.Helper()
	s, err := New(context.Background(), args, f.env, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s.Run(context.Background())
}

func TestSession_EndToEnd(t *testing.T) {
	f := newFixture(t, map[string]string{"/3": "1+1"})

	var out bytes.Buffer
	report, err := f.run(t, []string{"3"}, f.options(&out))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.FromCache {
		t.Error("first run served from cache")
	}
	if report.Result.Kind != sandbox.KindScalar || report.Result.Scalar != int64(2) {
		t.Errorf("result = %v, want 2", report.Result)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("output lines = %q, want 3", lines)
	}
	if lines[0] != "fetching https://example.test/3" {
		t.Errorf("line 1 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "setup: ") || !strings.Contains(lines[1], ", fetch: ") || !strings.Contains(lines[1], ", eval: ") {
		t.Errorf("line 2 = %q", lines[1])
	}
	if lines[2] != "2" {
		t.Errorf("line 3 = %q, want 2", lines[2])
	}

	out.Reset()
	report, err = f.run(t, []string{"3"}, f.options(&out))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !report.FromCache {
		t.Error("second run did not hit the cache")
	}
	if report.Result.String() != "2" {
		t.Errorf("second result = %v, want 2", report.Result)
	}
	if got := f.server.hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1", got)
	}
	if _, err := os.Stat(filepath.Join(f.home, "http-cache")); err != nil {
		t.Errorf("cache dir: %v", err)
	}
}

func TestSession_DurationsSumToTotal(t *testing.T) {
	f := newFixture(t, map[string]string{"/3": "1+1"})
	var calls []time.Time
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := f.options(io.Discard)
	opts.Now = func() time.Time {
		ts := base.Add(time.Duration(len(calls)*len(calls)) * time.Millisecond)
		calls = append(calls, ts)
		return ts
	}

	report, err := f.run(t, []string{"3"}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(calls) != 4 {
		t.Fatalf("clock read %d times, want 4", len(calls))
	}
	d := report.Durations
	if d.Setup != time.Millisecond || d.Fetch != 3*time.Millisecond || d.Eval != 5*time.Millisecond {
		t.Errorf("durations = %+v", d)
	}
	if d.Total() != calls[3].Sub(calls[0]) {
		t.Errorf("total = %v, want %v", d.Total(), calls[3].Sub(calls[0]))
	}
}

func TestSession_ResidualArgsAndFragment(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/tools/echo": "def main():\n    return args\n\ndef first():\n    return args[0]\n",
	})

	report, err := f.run(t, []string{"tools/echo", "a", "b"}, f.options(io.Discard))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Result.Kind != sandbox.KindSequence || len(report.Result.Items) != 2 {
		t.Errorf("result = %v, want (a, b)", report.Result)
	}

	report, err = f.run(t, []string{"tools/echo#first", "x"}, f.options(io.Discard))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Location.Fragment != "first" || report.Result.Scalar != "x" {
		t.Errorf("fragment run = %+v, result %v", report.Location, report.Result)
	}
}

func TestSession_NoArgumentsUsesSentinel(t *testing.T) {
	f := newFixture(t, map[string]string{"/repl": "'hello'"})
	s, err := New(context.Background(), nil, f.env, f.options(io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := s.Location().String(); got != "https://example.test/repl" {
		t.Errorf("location = %q", got)
	}
	if len(s.Args()) != 0 {
		t.Errorf("args = %v", s.Args())
	}
}

func TestSession_ConstructionErrors(t *testing.T) {
	home := t.TempDir()
	tests := []struct {
		name     string
		args     []string
		env      map[string]string
		cfg      *config.Config
		dataHome func() (string, error)
		want     error
	}{
		{
			name: "malformed base",
			env:  map[string]string{EnvBase: "ht!tp://example.test", EnvHome: home},
			want: ErrConfig,
		},
		{
			name: "non-http base",
			env:  map[string]string{EnvBase: "ftp://example.test", EnvHome: home},
			want: resolver.ErrMalformed,
		},
		{
			name:     "no home",
			env:      map[string]string{},
			dataHome: func() (string, error) { return "", errors.New("unset") },
			want:     ErrNoHomeDir,
		},
		{
			name:     "empty home",
			env:      map[string]string{},
			dataHome: func() (string, error) { return "", nil },
			want:     ErrNoHomeDir,
		},
		{
			name: "malformed reference",
			args: []string{"ht!tp://x"},
			env:  map[string]string{EnvHome: home},
			want: resolver.ErrMalformed,
		},
		{
			name: "invalid config",
			env:  map[string]string{EnvHome: home},
			cfg:  &config.Config{Sandbox: config.SandboxConfig{Capabilities: []string{"exec"}}},
			want: ErrConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &toolServer{}
			_, err := New(context.Background(), tt.args, tt.env, Options{
				Config:    tt.cfg,
				Logger:    testLogger(),
				Transport: srv,
				DataHome:  tt.dataHome,
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if srv.hits.Load() != 0 {
				t.Error("construction touched the network")
			}
		})
	}
}

func TestSession_HomeResolution(t *testing.T) {
	dataDir := t.TempDir()
	s, err := New(context.Background(), nil, map[string]string{}, Options{
		Logger:   testLogger(),
		DataHome: func() (string, error) { return dataDir, nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if want := filepath.Join(dataDir, "yas.tools"); s.Workspace().Root != want {
		t.Errorf("home = %q, want %q", s.Workspace().Root, want)
	}
	if s.Base().String() != config.DefaultBase {
		t.Errorf("base = %q, want default", s.Base())
	}

	cfgHome := t.TempDir()
	s, err = New(context.Background(), nil, map[string]string{}, Options{
		Config: &config.Config{Home: cfgHome, Base: "http://localhost:8080"},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Workspace().Root != cfgHome {
		t.Errorf("home = %q, want configured %q", s.Workspace().Root, cfgHome)
	}
	if s.Base().Host != "localhost:8080" {
		t.Errorf("base = %q, want configured", s.Base())
	}
}

func TestSession_RunErrors(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want error
	}{
		{"syntax", "bad", sandbox.ErrSyntax},
		{"runtime", "boom", sandbox.ErrRuntime},
		{"denied", "snoop", sandbox.ErrCapabilityDenied},
	}
	f := newFixture(t, map[string]string{
		"/bad":   "1 +",
		"/boom":  "def main():\n    fail('boom')\n",
		"/snoop": "env",
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			report, err := f.run(t, []string{tt.ref}, f.options(&out))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if report != nil {
				t.Errorf("report = %+v, want nil", report)
			}
			if strings.Count(out.String(), "\n") != 1 {
				t.Errorf("output = %q, want only the fetching line", out.String())
			}
		})
	}

	_, err := f.run(t, []string{"missing"}, f.options(io.Discard))
	var statusErr *fetch.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Errorf("err = %v, want 404 StatusError", err)
	}
}

func TestSession_RunOnce(t *testing.T) {
	f := newFixture(t, map[string]string{"/3": "1+1"})
	s, err := New(context.Background(), []string{"3"}, f.env, f.options(io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run: err = %v, want ErrAlreadyRun", err)
	}
	if f.server.hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", f.server.hits.Load())
	}
}

func TestSession_CacheDisabled(t *testing.T) {
	f := newFixture(t, map[string]string{"/3": "1+1"})
	for i := 0; i < 2; i++ {
		opts := f.options(io.Discard)
		opts.Config = &config.Config{Cache: config.CacheConfig{Disabled: true}}
		if _, err := f.run(t, []string{"3"}, opts); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if f.server.hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", f.server.hits.Load())
	}
	if _, err := os.Stat(filepath.Join(f.home, "http-cache")); !os.IsNotExist(err) {
		t.Errorf("cache dir exists with caching disabled: %v", err)
	}
}

func TestSession_RecordsHistory(t *testing.T) {
	f := newFixture(t, map[string]string{"/3": "1+1"})
	rec := &recorder{err: errors.New("disk full")}

	opts := f.options(io.Discard)
	opts.History = rec
	report, err := f.run(t, []string{"3"}, opts)
	if err != nil {
		t.Fatalf("Run: %v (history failures must not fail the run)", err)
	}

	opts = f.options(io.Discard)
	opts.History = rec
	if _, err := f.run(t, []string{"missing"}, opts); err == nil {
		t.Fatal("expected error for missing tool")
	}

	if len(rec.runs) != 2 {
		t.Fatalf("recorded %d runs, want 2", len(rec.runs))
	}
	ok, failed := rec.runs[0], rec.runs[1]
	if ok.ID != report.ID || ok.Result != "2" || ok.ResultKind != "scalar" || !ok.Succeeded() {
		t.Errorf("success run = %+v", ok)
	}
	if ok.URL != "https://example.test/3" || ok.Reference != "3" {
		t.Errorf("success run location = %+v", ok)
	}
	if failed.Succeeded() || !strings.Contains(failed.Error, "404") {
		t.Errorf("failed run = %+v", failed)
	}
}

func TestSession_Metrics(t *testing.T) {
	f := newFixture(t, map[string]string{"/3": "1+1"})
	obs, err := observability.New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, testLogger())
	if err != nil {
		t.Fatalf("observability.New: %v", err)
	}

	for i := 0; i < 2; i++ {
		opts := f.options(io.Discard)
		opts.Observability = obs
		if _, err := f.run(t, []string{"3"}, opts); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}

	m := obs.Metrics
	if got := testutil.ToFloat64(m.FetchTotal.WithLabelValues("network", "success")); got != 1 {
		t.Errorf("network fetches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FetchTotal.WithLabelValues("cache", "success")); got != 1 {
		t.Errorf("cache fetches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EvalTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("evaluations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("runs = %v, want 2", got)
	}
}

func TestSession_GuestFetchThroughCache(t *testing.T) {
	f := newFixture(t, map[string]string{
		"/tool":     "def main():\n    return http.get('data.txt').body\n",
		"/data.txt": "payload",
	})
	opts := f.options(io.Discard)
	opts.Config = &config.Config{Sandbox: config.SandboxConfig{Capabilities: []string{"http"}}}

	report, err := f.run(t, []string{"tool"}, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Result.Scalar != "payload" {
		t.Errorf("result = %v, want payload", report.Result)
	}
}

func TestEnvMap(t *testing.T) {
	env := EnvMap([]string{"A=1", "B=x=y", "NOEQ", "=bad", "A=2"})
	if env["A"] != "2" || env["B"] != "x=y" || len(env) != 2 {
		t.Errorf("env = %v", env)
	}
}
