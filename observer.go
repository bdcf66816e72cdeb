package xbroker

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnBusEvent(e BusEvent) { f(e) }

// LoggingObserver is an Adapter that emits lifecycle notifications via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnBusEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("event", string(e.Type)),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("type", e.MessageType),
		xlog.Str("subscriber", e.Subscriber),
	)
	switch e.Type {
	case EventHandlerError, EventMessageError:
		ev.Warn().Err(e.Err).Msg("xbroker event")
	case EventMessageDropped, EventMessageExpired:
		ev.Warn().Str("priority", e.Priority.String()).Msg("xbroker event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xbroker event")
	}
}
