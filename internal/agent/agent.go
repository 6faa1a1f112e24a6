// Package agent assembles the transaction context runtime: registry, event
// bus, propagator and interception table, plus whatever extensions are
// enabled at the configured extension path.
package agent

import (
	"errors"
	"sync"

	"github.com/joaopenteado/handoff/internal/concurrent"
	"github.com/joaopenteado/handoff/internal/event"
	"github.com/joaopenteado/handoff/internal/interception"
	"github.com/joaopenteado/handoff/internal/listener"
	"github.com/joaopenteado/handoff/internal/txctx"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoExtensionPath is returned by New when no extension path is
	// configured. The returned agent is still usable but inert: only
	// concurrency support is installed.
	ErrNoExtensionPath = errors.New("agent: no extension path configured")

	ErrAlreadyInstalled = errors.New("agent: already installed")
)

type Config struct {
	// ExtensionPath locates the extensions to enable.
	ExtensionPath string

	// ExtraVerbose logs every interception decision and every published
	// event.
	ExtraVerbose bool
}

// Runtime is what extensions are built against.
type Runtime struct {
	Registry   *txctx.Registry
	Bus        *event.Bus
	Propagator *concurrent.Propagator
}

type Agent struct {
	cfg Config
	rt  Runtime

	table      *interception.Table
	installer  *interception.Installer
	discoverer Discoverer
	inert      bool

	mu         sync.Mutex
	installed  bool
	extensions []Extension
	outcomes   []interception.Outcome
}

type Option func(*Agent)

func WithDiscoverer(d Discoverer) Option {
	return func(a *Agent) { a.discoverer = d }
}

func WithInstaller(i *interception.Installer) Option {
	return func(a *Agent) { a.installer = i }
}

func WithRegistry(r *txctx.Registry) Option {
	return func(a *Agent) { a.rt.Registry = r }
}

// New builds an agent. Without an extension path it returns the agent along
// with ErrNoExtensionPath; callers may keep running with it.
func New(cfg Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:       cfg,
		table:     interception.NewTable(),
		installer: interception.NewInstaller(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.rt.Registry == nil {
		a.rt.Registry = txctx.NewRegistry()
	}
	a.rt.Bus = event.NewBus()
	a.rt.Propagator = concurrent.NewPropagator(a.rt.Registry, a.rt.Bus)

	if cfg.ExtensionPath == "" {
		a.inert = true
		return a, ErrNoExtensionPath
	}
	return a, nil
}

func (a *Agent) Registry() *txctx.Registry          { return a.rt.Registry }
func (a *Agent) Bus() *event.Bus                    { return a.rt.Bus }
func (a *Agent) Propagator() *concurrent.Propagator { return a.rt.Propagator }
func (a *Agent) Table() *interception.Table         { return a.table }
func (a *Agent) Runtime() Runtime                   { return a.rt }

// Inert reports whether the agent runs without extensions.
func (a *Agent) Inert() bool { return a.inert }

// Install installs concurrency support and the installables of every
// discovered extension, then attaches the extensions' listeners. A discovery
// failure is returned after concurrency support has been installed, so the
// process keeps propagating context either way.
func (a *Agent) Install(customIgnore interception.Matcher) ([]interception.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.installed {
		return nil, ErrAlreadyInstalled
	}
	a.installed = true

	installables := []interception.Installable{concurrent.NewSupport(a.rt.Propagator)}

	var err error
	if !a.inert && a.discoverer != nil {
		exts, derr := a.discoverer.Discover(a.cfg.ExtensionPath, a.rt)
		if derr != nil {
			log.Error().Err(derr).
				Str("extension_path", a.cfg.ExtensionPath).
				Msg("failed to discover extensions")
			err = derr
		}
		a.extensions = exts
	}

	for _, ext := range a.extensions {
		log.Info().Str("extension", ext.Name).Msg("loading extension")
		installables = append(installables, ext.Installables...)
	}

	a.outcomes = a.installer.Install(a.table, installables, interception.Options{
		ExtraVerbose: a.cfg.ExtraVerbose,
		CustomIgnore: customIgnore,
	})

	for _, ext := range a.extensions {
		for _, l := range ext.Listeners {
			a.rt.Bus.AddListener(l)
		}
	}
	if a.cfg.ExtraVerbose {
		a.rt.Bus.AddListener(listener.NewLog(log.Logger, a.rt.Registry))
	}

	a.dump()
	return a.outcomes, err
}

// Outcomes returns the result of Install, one entry per installable.
func (a *Agent) Outcomes() []interception.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]interception.Outcome(nil), a.outcomes...)
}

func (a *Agent) Extensions() []Extension {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Extension(nil), a.extensions...)
}

func (a *Agent) dump() {
	for _, o := range a.outcomes {
		ev := log.Info()
		if o.Result == interception.ResultFailed {
			ev = log.Error().Err(o.Err)
		}
		ev.Str("installable", o.Installable).
			Stringer("result", o.Result).
			Msg("installable outcome")
	}
}
