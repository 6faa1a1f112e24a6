// Package interception installs independent rule sets into the table that
// instrumented sites consult to find out how they should be decorated.
package interception

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Installable contributes one independent rule set. Returning nil opts out,
// for instance when something the rules rely on is unavailable.
type Installable interface {
	Install(b *RuleBuilder) *RuleBuilder
}

// Namer can be implemented by Installables to control how they are reported.
type Namer interface {
	Name() string
}

// NameOf returns the reporting name of an Installable.
func NameOf(i Installable) string {
	if n, ok := i.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", i)
}

// Transformer adjusts a builder before it is handed to the Installable.
type Transformer func(*RuleBuilder, Installable) *RuleBuilder

type Options struct {
	// ExtraVerbose attaches a diagnostic listener that logs every site
	// decision. It is expensive and off by default.
	ExtraVerbose bool

	// CustomIgnore is OR'd with the default ignore policy.
	CustomIgnore Matcher

	Transformer Transformer
}

type Result uint8

const (
	ResultInstalled Result = iota
	ResultOptedOut
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultInstalled:
		return "installed"
	case ResultOptedOut:
		return "opted_out"
	case ResultFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown (%d)", r)
	}
}

type Outcome struct {
	Installable string
	Result      Result
	Err         error
}

// Installer commits Installables to a Table.
type Installer struct {
	newBuilder func() *RuleBuilder
}

type InstallerOption func(*Installer)

// WithBuilderFactory replaces the source of fresh builders.
func WithBuilderFactory(fn func() *RuleBuilder) InstallerOption {
	return func(i *Installer) { i.newBuilder = fn }
}

func NewInstaller(opts ...InstallerOption) *Installer {
	i := &Installer{newBuilder: NewRuleBuilder}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install gives every Installable its own builder so rule sets cannot
// interfere with each other's matching. A failing Installable is logged and
// does not stop the others.
func (i *Installer) Install(t *Table, installables []Installable, opts Options) []Outcome {
	ignore := IgnoreMatcher(opts.CustomIgnore)
	outcomes := make([]Outcome, 0, len(installables))

	for _, inst := range installables {
		if inst == nil {
			continue
		}
		outcome := i.installOne(t, inst, ignore, opts)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (i *Installer) installOne(t *Table, inst Installable, ignore Matcher, opts Options) (outcome Outcome) {
	name := NameOf(inst)
	outcome.Installable = name

	defer func() {
		if r := recover(); r != nil {
			outcome.Result = ResultFailed
			outcome.Err = fmt.Errorf("interception: %s panicked: %v", name, r)
			log.Error().Err(outcome.Err).Str("installable", name).Msg("failed to install")
		}
	}()

	b := i.newBuilder().Ignore(ignore)
	if opts.ExtraVerbose {
		b = b.With(NewLogListener(name))
	}
	if opts.Transformer != nil {
		b = opts.Transformer(b, inst)
	}

	log.Info().Str("installable", name).Msg("attempting to install")
	b = inst.Install(b)
	if b == nil {
		log.Debug().Str("installable", name).Msg("installable opted out")
		outcome.Result = ResultOptedOut
		return outcome
	}

	if err := b.InstallOn(t); err != nil {
		log.Error().Err(err).Str("installable", name).Msg("failed to install")
		outcome.Result = ResultFailed
		outcome.Err = err
		return outcome
	}

	outcome.Result = ResultInstalled
	return outcome
}

// DecoratorsOf returns the decorators for site that have type T.
func DecoratorsOf[T any](t *Table, site string) []T {
	var out []T
	for _, d := range t.Decorators(site) {
		if typed, ok := d.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
