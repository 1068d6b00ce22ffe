package metrics

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logging writes each hook as a structured log line. Failures and dead
// letters log at warn, everything else at debug.
type Logging struct {
	logger zerolog.Logger
}

func NewLogging(logger *zerolog.Logger) *Logging {
	if logger == nil {
		logger = &log.Logger
	}
	return &Logging{logger: logger.With().Str("component", "metrics").Logger()}
}

func (l *Logging) OnCreated(kind Kind, eventType string) {
	l.logger.Debug().Str("kind", string(kind)).Str("event_type", eventType).Msg("message created")
}

func (l *Logging) OnSuccess(kind Kind, eventType string, d time.Duration) {
	l.logger.Debug().
		Str("kind", string(kind)).
		Str("event_type", eventType).
		Dur("duration", d).
		Msg("message succeeded")
}

func (l *Logging) OnFailure(kind Kind, eventType string, retryCount int) {
	l.logger.Warn().
		Str("kind", string(kind)).
		Str("event_type", eventType).
		Int("retry_count", retryCount).
		Msg("message failed")
}

func (l *Logging) OnDeadLetter(kind Kind, eventType string) {
	l.logger.Warn().Str("kind", string(kind)).Str("event_type", eventType).Msg("message dead-lettered")
}

func (l *Logging) OnBatch(kind Kind, b Batch, d time.Duration) {
	if b.Processed == 0 {
		return
	}
	l.logger.Info().
		Str("kind", string(kind)).
		Int("processed", b.Processed).
		Int("succeeded", b.Succeeded).
		Int("failed", b.Failed).
		Int("dead", b.Dead).
		Int("skipped", b.Skipped).
		Int("state_update_failed", b.StateUpdateFailed).
		Dur("duration", d).
		Msg("batch processed")
}
