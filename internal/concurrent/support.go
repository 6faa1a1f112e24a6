package concurrent

import "github.com/joaopenteado/handoff/internal/interception"

// Support is the Installable that makes pools propagate context: it
// contributes a TaskDecorator for every site not excluded by the ignore
// policy.
type Support struct {
	p *Propagator
}

func NewSupport(p *Propagator) *Support {
	return &Support{p: p}
}

func (s *Support) Name() string { return "concurrency" }

func (s *Support) Install(b *interception.RuleBuilder) *interception.RuleBuilder {
	return b.Rule("task-handoff", interception.Any(), TaskDecorator(s.p.Wrap))
}
