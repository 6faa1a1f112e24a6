package interception

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Listener is told how each site was handled by a rule set.
type Listener interface {
	OnTransformation(site, rule string)
	OnIgnored(site string)
	OnNoMatch(site string)
}

type logListener struct {
	logger zerolog.Logger
}

// NewLogListener returns a Listener that logs every decision at debug level,
// tagged with the owning Installable.
func NewLogListener(installable string) Listener {
	return &logListener{
		logger: log.With().Str("installable", installable).Logger(),
	}
}

func (l *logListener) OnTransformation(site, rule string) {
	l.logger.Debug().Str("site", site).Str("rule", rule).Msg("site transformed")
}

func (l *logListener) OnIgnored(site string) {
	l.logger.Debug().Str("site", site).Msg("site ignored")
}

func (l *logListener) OnNoMatch(site string) {
	l.logger.Debug().Str("site", site).Msg("site not matched")
}
