package leader

import (
	"github.com/rs/zerolog"
)

// EventPublisher is notified of leadership transitions.
// Publishers are called from the elector goroutine and must not block for long.
type EventPublisher interface {
	PublishOnGranted(source any, ctx *Context, role string)
	PublishOnRevoked(source any, ctx *Context, role string)
}

// PublisherFuncs adapts plain functions to EventPublisher. Nil funcs are skipped.
type PublisherFuncs struct {
	OnGranted func(source any, ctx *Context, role string)
	OnRevoked func(source any, ctx *Context, role string)
}

var _ EventPublisher = PublisherFuncs{}

// PublishOnGranted implements EventPublisher.
func (p PublisherFuncs) PublishOnGranted(source any, ctx *Context, role string) {
	if p.OnGranted != nil {
		p.OnGranted(source, ctx, role)
	}
}

// PublishOnRevoked implements EventPublisher.
func (p PublisherFuncs) PublishOnRevoked(source any, ctx *Context, role string) {
	if p.OnRevoked != nil {
		p.OnRevoked(source, ctx, role)
	}
}

type logPublisher struct {
	logger zerolog.Logger
}

// LogPublisher returns a publisher that logs every transition.
func LogPublisher(logger zerolog.Logger) EventPublisher {
	return logPublisher{logger: logger.With().Str("component", "leader-events").Logger()}
}

func (p logPublisher) PublishOnGranted(_ any, ctx *Context, role string) {
	p.logger.Info().
		Str("role", role).
		Str("candidateId", ctx.Elector().ID()).
		Msg("leadership granted")
}

func (p logPublisher) PublishOnRevoked(_ any, ctx *Context, role string) {
	p.logger.Info().
		Str("role", role).
		Str("candidateId", ctx.Elector().ID()).
		Msg("leadership revoked")
}
