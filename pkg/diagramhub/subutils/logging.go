package subutils

import (
	"context"

	"github.com/tsarna/diagramhub/pkg/diagramhub/bus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingSubscriber logs every call and forwards it to the wrapped
// subscriber, if any. With a nil wrapped subscriber it is a standalone
// event tap, used by the server's --trace-events flag.
type LoggingSubscriber struct {
	wrapped  bus.Subscriber
	logger   *zap.Logger
	logLevel zapcore.Level
	name     string
}

func NewLoggingSubscriber(wrapped bus.Subscriber, logger *zap.Logger, logLevel zapcore.Level) *LoggingSubscriber {
	return NewNamedLoggingSubscriber(wrapped, logger, logLevel, "LoggingSubscriber")
}

func NewNamedLoggingSubscriber(wrapped bus.Subscriber, logger *zap.Logger, logLevel zapcore.Level, name string) *LoggingSubscriber {
	return &LoggingSubscriber{
		wrapped:  wrapped,
		logger:   logger,
		logLevel: logLevel,
		name:     name,
	}
}

func (l *LoggingSubscriber) OnSubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "OnSubscribe called",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
	)
	if l.wrapped != nil {
		return l.wrapped.OnSubscribe(ctx, topic)
	}
	return nil
}

func (l *LoggingSubscriber) OnUnsubscribe(ctx context.Context, topic string) error {
	l.logger.Log(l.logLevel, "OnUnsubscribe called",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
	)
	if l.wrapped != nil {
		return l.wrapped.OnUnsubscribe(ctx, topic)
	}
	return nil
}

// OnEvent logs the event. Payloads implementing zapcore.ObjectMarshaler
// (protocol.Envelope does) are logged as structured objects; raw bytes are
// logged by size only so document contents stay out of the log.
func (l *LoggingSubscriber) OnEvent(ctx context.Context, topic string, message any, fields map[string]string) error {
	payload := zap.Skip()
	switch v := message.(type) {
	case zapcore.ObjectMarshaler:
		payload = zap.Object("message", v)
	case []byte:
		payload = zap.Int("messageBytes", len(v))
	case string:
		payload = zap.String("message", v)
	case nil:
	default:
		payload = zap.Any("message", v)
	}

	l.logger.Log(l.logLevel, "OnEvent called",
		zap.String("subscriber", l.name),
		zap.String("topic", topic),
		payload,
		zap.Any("extractedFields", fields),
	)

	if l.wrapped != nil {
		return l.wrapped.OnEvent(ctx, topic, message, fields)
	}
	return nil
}

func (l *LoggingSubscriber) PassThrough(msg bus.EventBusMessage) error {
	if l.wrapped != nil {
		return l.wrapped.PassThrough(msg)
	}
	l.logger.Log(l.logLevel, "PassThrough called",
		zap.String("subscriber", l.name),
		zap.String("topic", msg.Topic),
	)
	return nil
}
