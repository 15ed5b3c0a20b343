// Package host runs a set of domains over one shared binding registry and
// feature registry. Each domain ticks on its own goroutine at its own rate.
package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/tickhost/internal/binding"
	"github.com/zjrosen/tickhost/internal/config"
	"github.com/zjrosen/tickhost/internal/domain"
	"github.com/zjrosen/tickhost/internal/feature"
	"github.com/zjrosen/tickhost/internal/flags"
	"github.com/zjrosen/tickhost/internal/guard"
	"github.com/zjrosen/tickhost/internal/log"
	"github.com/zjrosen/tickhost/internal/schedule"
	"github.com/zjrosen/tickhost/internal/tracing"
	"github.com/zjrosen/tickhost/internal/watcher"
)

var (
	// ErrUnknownDomain is returned for a domain name the host does not run.
	ErrUnknownDomain = errors.New("host: unknown domain")
	// ErrRunning is returned by Run when the host is already running.
	ErrRunning = errors.New("host: already running")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("host: closed")
)

// Option configures a Host.
type Option func(*Host)

// WithTracer replaces the tracer built from config.
func WithTracer(t trace.Tracer) Option {
	return func(h *Host) { h.tracer = t }
}

// WithConfigPath names the file to reload when watch_config is set.
func WithConfigPath(path string) Option {
	return func(h *Host) { h.configPath = path }
}

// WithClock replaces time.Now for every domain.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// Host owns the shared registries and the domains that use them.
type Host struct {
	guard    *guard.Guard
	bindings *binding.Registry
	features *feature.Registry
	provider *tracing.Provider
	tracer   trace.Tracer
	flags    atomic.Pointer[flags.Registry]
	now      func() time.Time

	configPath string
	watch      bool

	runners []*runner
	byName  map[string]*runner

	running atomic.Bool
	closeMu sync.Mutex
	closed  bool
}

type runner struct {
	d     *domain.Domain
	rate  atomic.Int64
	reset chan struct{}
}

func (r *runner) tickRate() time.Duration { return time.Duration(r.rate.Load()) }

// New builds a host from a validated config.
func New(cfg config.Config, opts ...Option) (*Host, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	g := guard.New()
	h := &Host{
		guard: g,
		bindings: binding.New(
			binding.WithGuard(g),
			binding.WithTimeouts(cfg.Guard.Timeout, cfg.Guard.ReadTimeout),
		),
		features: feature.NewRegistry(
			feature.WithGuard(g),
			feature.WithTimeouts(cfg.Guard.Timeout, cfg.Guard.ReadTimeout),
		),
		watch:  cfg.WatchConfig,
		byName: make(map[string]*runner, len(cfg.Domains)),
	}
	h.flags.Store(flags.New(cfg.Flags))
	for _, opt := range opts {
		opt(h)
	}

	if h.tracer == nil {
		tc := cfg.Tracing
		if tc.Enabled && tc.Exporter == "file" && tc.FilePath == "" {
			tc.FilePath = config.DefaultTracesFilePath()
		}
		provider, err := tracing.NewProvider(tc)
		if err != nil {
			return nil, fmt.Errorf("creating tracing provider: %w", err)
		}
		h.provider = provider
		h.tracer = provider.Tracer()
	}

	for _, dc := range cfg.Domains {
		dopts := []domain.Option{
			domain.WithGracePeriod(cfg.Resolve.GracePeriod),
			domain.WithTracer(h.tracer),
			domain.WithFlags(h.flags.Load),
			domain.WithScheduleOptions(schedule.WithDedupWindow(cfg.Schedule.DedupWindow)),
		}
		if h.now != nil {
			dopts = append(dopts, domain.WithClock(h.now))
		}
		d, err := domain.New(dc.Name, h.bindings, h.features, dopts...)
		if err != nil {
			return nil, fmt.Errorf("creating domain %s: %w", dc.Name, err)
		}
		r := &runner{d: d, reset: make(chan struct{}, 1)}
		r.rate.Store(int64(dc.TickRate))
		h.runners = append(h.runners, r)
		h.byName[dc.Name] = r
	}

	log.Info(log.CatHost, "host created", "domains", h.Domains(), "tracing", h.provider != nil && h.provider.Enabled())
	return h, nil
}

// Bindings returns the shared binding registry.
func (h *Host) Bindings() *binding.Registry { return h.bindings }

// Features returns the shared feature registry.
func (h *Host) Features() *feature.Registry { return h.features }

// Flags returns the current flags. Reloads swap the registry atomically.
func (h *Host) Flags() *flags.Registry { return h.flags.Load() }

// Domains returns domain names in config order.
func (h *Host) Domains() []string {
	names := make([]string, len(h.runners))
	for i, r := range h.runners {
		names[i] = r.d.Name()
	}
	return names
}

// Domain returns the named domain.
func (h *Host) Domain(name string) (*domain.Domain, bool) {
	r, ok := h.byName[name]
	if !ok {
		return nil, false
	}
	return r.d, true
}

// AddSystem adds sys to the named domain.
func (h *Host) AddSystem(name string, sys domain.System) (*domain.Handle, error) {
	r, ok := h.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	return r.d.AddSystem(sys)
}

// Post runs fn on the named domain's goroutine during its next tick. This is
// how other goroutines hand work to a domain.
func (h *Host) Post(name string, fn schedule.Action) error {
	r, ok := h.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	if r.d.Scheduler().Post(fn) == nil {
		return errors.New("host: nil action")
	}
	return nil
}

// TickRate returns the named domain's tick interval.
func (h *Host) TickRate(name string) (time.Duration, bool) {
	r, ok := h.byName[name]
	if !ok {
		return 0, false
	}
	return r.tickRate(), true
}

// SetTickRate changes the named domain's tick interval. A running loop picks
// it up before its next tick.
func (h *Host) SetTickRate(name string, rate time.Duration) error {
	if rate <= 0 {
		return fmt.Errorf("host: tick rate must be positive, got %s", rate)
	}
	r, ok := h.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	if time.Duration(r.rate.Swap(int64(rate))) == rate {
		return nil
	}
	select {
	case r.reset <- struct{}{}:
	default:
	}
	log.Info(log.CatHost, "tick rate changed", "domain", name, "rate", rate)
	return nil
}

// ApplyConfig applies the parts of cfg that can change while running: flags
// and tick rates of existing domains. Added or removed domains are logged
// and ignored until restart.
func (h *Host) ApplyConfig(cfg config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	h.flags.Store(flags.New(cfg.Flags))

	seen := make(map[string]bool, len(cfg.Domains))
	for _, dc := range cfg.Domains {
		seen[dc.Name] = true
		if _, ok := h.byName[dc.Name]; !ok {
			log.Warn(log.CatHost, "new domain requires restart", "domain", dc.Name)
			continue
		}
		if err := h.SetTickRate(dc.Name, dc.TickRate); err != nil {
			return err
		}
	}
	for _, name := range h.Domains() {
		if !seen[name] {
			log.Warn(log.CatHost, "removed domain keeps running until restart", "domain", name)
		}
	}
	log.Info(log.CatHost, "config applied", "flags", h.flags.Load().All())
	return nil
}

// Run ticks every domain until ctx is cancelled or a domain loop fails. When
// watch_config is set and a config path is known, the file is reloaded on
// change.
func (h *Host) Run(ctx context.Context) error {
	if h.isClosed() {
		return ErrClosed
	}
	if !h.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer h.running.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range h.runners {
		g.Go(func() error { return h.loop(ctx, r) })
	}
	if h.watch && h.configPath != "" {
		g.Go(func() error { return h.watchConfig(ctx) })
	}

	log.Info(log.CatHost, "host running", "domains", len(h.runners))
	err := g.Wait()
	log.Info(log.CatHost, "host stopped", "error", err)
	return err
}

func (h *Host) loop(ctx context.Context, r *runner) (err error) {
	name := r.d.Name()
	defer func() {
		if p := recover(); p != nil {
			log.Error(log.CatHost, "domain loop panic",
				"domain", name,
				"panic", p,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("domain %s: panic: %v", name, p)
		}
	}()

	rate := r.tickRate()
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	var lastOrderErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.reset:
			rate = r.tickRate()
			ticker.Reset(rate)
		case <-ticker.C:
			report := r.d.Tick(ctx)
			if report.Duration > rate {
				log.Debug(log.CatHost, "tick overran", "domain", name, "seq", report.Seq, "took", report.Duration, "rate", rate)
			}
			if report.OrderErr != nil && lastOrderErr == nil {
				log.Warn(log.CatHost, "execution order has a cycle", "domain", name, "error", report.OrderErr)
			}
			lastOrderErr = report.OrderErr
		}
	}
}

func (h *Host) watchConfig(ctx context.Context) error {
	w, err := watcher.New(h.configPath, watcher.DefaultDebounce)
	if err != nil {
		return err
	}
	changes, err := w.Start()
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			h.Reload()
		}
	}
}

// Reload reads the config file again and applies it. Failures are logged and
// the running config is kept.
func (h *Host) Reload() {
	if h.configPath == "" {
		return
	}
	cfg, _, err := config.Load(h.configPath)
	if err != nil {
		log.Warn(log.CatConfig, "config reload failed", "path", h.configPath, "error", err)
		return
	}
	if err := h.ApplyConfig(cfg); err != nil {
		log.Warn(log.CatConfig, "config reload rejected", "path", h.configPath, "error", err)
	}
}

// Status returns every system's status in the named domain.
func (h *Host) Status(name string) ([]domain.Status, error) {
	r, ok := h.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	systems := r.d.Systems()
	out := make([]domain.Status, 0, len(systems))
	for _, sys := range systems {
		if st, ok := r.d.Status(sys); ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (h *Host) isClosed() bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.closed
}

// Close disposes every domain in reverse order, closes the registries and
// flushes traces. Call it after Run returns.
func (h *Host) Close(ctx context.Context) error {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return nil
	}
	h.closed = true
	h.closeMu.Unlock()

	for _, r := range slices.Backward(h.runners) {
		r.d.Close()
	}
	h.features.Close()
	h.bindings.Close()
	if h.provider != nil {
		if err := h.provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down tracing: %w", err)
		}
	}
	log.Info(log.CatHost, "host closed")
	return nil
}
