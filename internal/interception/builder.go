package interception

import (
	"errors"
	"slices"
	"sync"
)

var (
	ErrNoRules       = errors.New("interception: builder has no rules")
	ErrNilDecorator  = errors.New("interception: rule has no decorator")
	ErrNilTypeMatch  = errors.New("interception: rule has no type matcher")
	ErrTableRequired = errors.New("interception: table is required")
)

// Rule selects sites by name and carries the decorator applied to them. The
// decorator type is agreed between the Installable contributing the rule and
// the instrumented site consuming it.
type Rule struct {
	Name      string
	Types     Matcher
	Decorator any
}

// RuleBuilder accumulates rules for one Installable. Every method returns a
// new builder and leaves the receiver untouched.
type RuleBuilder struct {
	ignore    Matcher
	listeners []Listener
	rules     []Rule
}

func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{}
}

func (b *RuleBuilder) clone() *RuleBuilder {
	return &RuleBuilder{
		ignore:    b.ignore,
		listeners: slices.Clone(b.listeners),
		rules:     slices.Clone(b.rules),
	}
}

// Ignore replaces the ignore policy.
func (b *RuleBuilder) Ignore(m Matcher) *RuleBuilder {
	c := b.clone()
	c.ignore = m
	return c
}

// With attaches a diagnostic listener.
func (b *RuleBuilder) With(l Listener) *RuleBuilder {
	c := b.clone()
	c.listeners = append(c.listeners, l)
	return c
}

func (b *RuleBuilder) Rule(name string, types Matcher, decorator any) *RuleBuilder {
	c := b.clone()
	c.rules = append(c.rules, Rule{Name: name, Types: types, Decorator: decorator})
	return c
}

func (b *RuleBuilder) Rules() []Rule {
	return slices.Clone(b.rules)
}

// InstallOn validates the rules and commits them to t.
func (b *RuleBuilder) InstallOn(t *Table) error {
	if t == nil {
		return ErrTableRequired
	}
	if len(b.rules) == 0 {
		return ErrNoRules
	}
	for _, r := range b.rules {
		if r.Types == nil {
			return ErrNilTypeMatch
		}
		if r.Decorator == nil {
			return ErrNilDecorator
		}
	}

	t.commit(ruleSet{
		ignore:    b.ignore,
		listeners: slices.Clone(b.listeners),
		rules:     slices.Clone(b.rules),
	})
	return nil
}

type ruleSet struct {
	ignore    Matcher
	listeners []Listener
	rules     []Rule
}

// Table holds committed rule sets. Instrumented sites ask it for the
// decorators that apply to them, typically once when the site is built.
type Table struct {
	mu   sync.RWMutex
	sets []ruleSet
}

func NewTable() *Table {
	return &Table{}
}

func (t *Table) commit(s ruleSet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sets = append(t.sets, s)
}

// Len returns the number of committed rule sets.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sets)
}

// Decorators returns the decorators of every rule matching site, in
// installation order. Rule sets whose ignore policy selects site are
// skipped.
func (t *Table) Decorators(site string) []any {
	if t == nil {
		return nil
	}

	t.mu.RLock()
	sets := t.sets
	t.mu.RUnlock()

	var out []any
	for _, s := range sets {
		if s.ignore.Matches(site) {
			for _, l := range s.listeners {
				l.OnIgnored(site)
			}
			continue
		}

		matched := false
		for _, r := range s.rules {
			if !r.Types.Matches(site) {
				continue
			}
			matched = true
			out = append(out, r.Decorator)
			for _, l := range s.listeners {
				l.OnTransformation(site, r.Name)
			}
		}
		if !matched {
			for _, l := range s.listeners {
				l.OnNoMatch(site)
			}
		}
	}
	return out
}
