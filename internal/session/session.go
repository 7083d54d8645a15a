// Package session drives one tool invocation: resolve the reference, fetch
// the body through the cache, evaluate it in the sandbox and report timings.
//
// A Session is single-use. Construction captures arguments, environment and
// configuration once; Run performs exactly one fetch and one evaluation.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jkaninda/yas/internal/config"
	"github.com/jkaninda/yas/internal/fetch"
	"github.com/jkaninda/yas/internal/history"
	"github.com/jkaninda/yas/internal/observability"
	"github.com/jkaninda/yas/internal/resolver"
	"github.com/jkaninda/yas/internal/sandbox"
	"github.com/jkaninda/yas/internal/workspace"
)

var (
	// ErrConfig is returned when the base override or configuration is invalid.
	ErrConfig = errors.New("invalid configuration")
	// ErrNoHomeDir is returned when no data directory can be determined.
	ErrNoHomeDir = errors.New("no home directory")
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("session already run")
)

// Environment variables read at construction.
const (
	EnvBase = "YAS_BASE"
	EnvHome = "YAS_HOME"
)

// Options carries the collaborators of a Session. Every field is optional.
type Options struct {
	Config        *config.Config               // nil = zero Config.
	Stdout        io.Writer                    // Report lines. nil = os.Stdout.
	GuestOutput   io.Writer                    // Guest print() output. nil = os.Stderr.
	Logger        *slog.Logger                 // nil = discard.
	Observability *observability.Observability // nil = no metrics or tracing.
	History       history.Recorder             // nil = runs are not recorded.
	Transport     http.RoundTripper            // nil = http.DefaultTransport.
	DataHome      func() (string, error)       // Per-user data directory. nil = XDG data home.
	Now           func() time.Time             // Phase clock. nil = time.Now.
	UserAgent     string                       // Used when the config names none.
}

// Report is the outcome of a successful run.
type Report struct {
	ID        uuid.UUID
	Reference string
	Location  resolver.Location
	Durations Durations
	FromCache bool
	Result    *sandbox.Result
}

// Session is one configured tool invocation.
type Session struct {
	reference string
	args      []string
	env       map[string]string
	base      *url.URL
	location  resolver.Location
	ws        *workspace.Workspace

	fetcher   sandbox.Fetcher
	raw       *fetch.Fetcher
	sandbox   *sandbox.StarlarkSandbox
	evaluator sandbox.Evaluator

	phases  *PhaseTimer
	stdout  io.Writer
	obs     *observability.Observability
	history history.Recorder
	logger  *slog.Logger

	startedAt time.Time
	ran       bool
}

// New constructs a Session from the process arguments (without the program
// name) and an environment snapshot. The first argument is the tool
// reference; the rest are passed to guest code.
func New(ctx context.Context, args []string, env map[string]string, opts Options) (*Session, error) {
	phases := NewPhaseTimer(opts.Now)

	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	s := &Session{
		env:       copyEnv(env),
		phases:    phases,
		stdout:    opts.Stdout,
		obs:       opts.Observability,
		history:   opts.History,
		logger:    logger,
		startedAt: time.Now(),
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	if len(args) > 0 {
		s.reference = args[0]
		s.args = append([]string(nil), args[1:]...)
	}

	// 1. Base location.
	rawBase := s.env[EnvBase]
	if rawBase == "" {
		rawBase = cfg.Base
	}
	if rawBase == "" {
		rawBase = config.DefaultBase
	}
	base, err := resolver.ParseBase(rawBase)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, EnvBase, err)
	}
	s.base = base

	// 2. Home directory.
	home, err := ResolveHome(s.env, cfg, opts.DataHome)
	if err != nil {
		return nil, err
	}
	ws, err := workspace.New(home)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoHomeDir, err)
	}
	s.ws = ws

	// 3. Tool reference.
	loc, err := resolver.Resolve(base, s.reference)
	if err != nil {
		return nil, err
	}
	s.location = loc

	// 4. Cached fetcher.
	fcfg := fetch.Config{
		Strict:       cfg.Cache.Strict,
		Timeout:      cfg.Fetch.Timeout(),
		UserAgent:    cfg.Fetch.UserAgent,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		Transport:    opts.Transport,
	}
	if fcfg.UserAgent == "" {
		fcfg.UserAgent = opts.UserAgent
	}
	if !cfg.Cache.Disabled {
		fcfg.CacheDir = ws.CacheDir()
	}
	s.raw = fetch.New(fcfg, logger)
	s.fetcher = observability.NewInstrumentedFetcher(s.raw, s.obs.MetricsOrNil(), s.obs.TracerOrNil())

	// 5. Sandboxed evaluator.
	caps, err := cfg.Sandbox.ParsedCapabilities()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	allowed := cfg.Sandbox.AllowedHosts
	if len(allowed) == 0 {
		allowed = []string{base.Hostname()}
	}
	guestOut := opts.GuestOutput
	if guestOut == nil {
		guestOut = os.Stderr
	}
	sb, err := sandbox.New(sandbox.Options{
		Capabilities:   caps,
		MaxSteps:       uint64(cfg.Sandbox.MaxSteps),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		Output:         guestOut,
		Args:           s.args,
		Env:            s.env,
		AllowedHosts:   allowed,
		Fetcher:        s.fetcher,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	s.sandbox = sb
	s.evaluator = observability.NewInstrumentedEvaluator(sb, s.obs.MetricsOrNil(), s.obs.TracerOrNil())

	phases.Mark(PhaseSetup)
	logger.DebugContext(ctx, "session ready",
		slog.String("base", base.String()),
		slog.String("home", ws.Root),
		slog.String("location", loc.String()),
		slog.Bool("cache", fcfg.CacheDir != ""),
	)
	return s, nil
}

// Location returns the resolved tool location.
func (s *Session) Location() resolver.Location { return s.location }

// Base returns the base location references are resolved against.
func (s *Session) Base() *url.URL { return s.base }

// Workspace returns the home directory layout.
func (s *Session) Workspace() *workspace.Workspace { return s.ws }

// Args returns the arguments passed to guest code.
func (s *Session) Args() []string { return s.args }

// Phases returns the session's phase timer.
func (s *Session) Phases() *PhaseTimer { return s.phases }

// Run fetches and evaluates the tool, then prints the fetch location, the
// phase durations and the result.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	if s.ran {
		return nil, ErrAlreadyRun
	}
	s.ran = true

	ctx, span := s.obs.TracerOrNil().Start(ctx, observability.SpanRun,
		observability.AttrReference.String(s.reference),
		attribute.String("url.full", s.location.String()),
	)
	report, err := s.run(ctx)
	observability.EndSpan(span, err)

	s.obs.MetricsOrNil().ObserveRun(err, s.cacheFailures())
	s.record(ctx, report, err)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Session) run(ctx context.Context) (*Report, error) {
	report := &Report{ID: uuid.New(), Reference: s.reference, Location: s.location}

	fmt.Fprintf(s.stdout, "fetching %s\n", s.location)
	resp, err := s.fetcher.Fetch(ctx, s.location)
	if err != nil {
		return report, err
	}
	s.phases.Mark(PhaseFetched)
	report.FromCache = resp.FromCache

	res, err := s.evaluator.Evaluate(ctx, sandbox.Source{
		Name:  s.location.String(),
		Body:  resp.Body,
		Entry: s.location.Fragment,
	})
	if err != nil {
		return report, err
	}
	s.phases.Mark(PhaseEvaluated)
	report.Result = res
	report.Durations = s.phases.Durations()

	fmt.Fprintln(s.stdout, report.Durations)
	fmt.Fprintln(s.stdout, res)

	s.obs.MetricsOrNil().ObservePhases(report.Durations.Setup, report.Durations.Fetch, report.Durations.Eval)
	return report, nil
}

// REPL runs an interactive interpreter with the session's grants. Relative
// load() and http.get() references resolve against the base location.
func (s *Session) REPL(ctx context.Context) error {
	if s.ran {
		return ErrAlreadyRun
	}
	s.ran = true
	s.sandbox.Interactive(ctx, s.base.JoinPath("/").String())
	return nil
}

func (s *Session) cacheFailures() int {
	if st := s.raw.Store(); st != nil {
		return st.Failures()
	}
	return 0
}

// record stores the run in the history. Failures are logged and ignored.
func (s *Session) record(ctx context.Context, report *Report, runErr error) {
	if s.history == nil || report == nil {
		return
	}
	d := s.phases.Durations()
	run := history.Run{
		ID:        report.ID,
		Reference: s.reference,
		URL:       s.location.String(),
		Fragment:  s.location.Fragment,
		StartedAt: s.startedAt,
		Setup:     d.Setup,
		Fetch:     d.Fetch,
		Eval:      d.Eval,
		FromCache: report.FromCache,
	}
	if report.Result != nil {
		run.ResultKind = report.Result.Kind.String()
		run.Result = report.Result.String()
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.history.Record(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Warn("failed to record run",
			slog.String("run_id", run.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ResolveHome picks the data directory: YAS_HOME, then the configured home,
// then <per-user data directory>/yas.tools. A nil dataHome uses the XDG data
// home.
func ResolveHome(env map[string]string, cfg *config.Config, dataHome func() (string, error)) (string, error) {
	if h := env[EnvHome]; h != "" {
		return h, nil
	}
	if h := cfg.ResolvedHome(); h != "" {
		return h, nil
	}
	if dataHome == nil {
		dataHome = xdgDataHome
	}
	dir, err := dataHome()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoHomeDir, err)
	}
	if dir == "" {
		return "", ErrNoHomeDir
	}
	return filepath.Join(dir, workspace.DirName), nil
}

func xdgDataHome() (string, error) {
	if xdg.DataHome == "" {
		return "", errors.New("per-user data directory is not set")
	}
	return xdg.DataHome, nil
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// EnvMap converts os.Environ-style entries into a map. Later entries win.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}
