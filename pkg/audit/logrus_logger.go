package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusLogger emits each event as a structured logrus entry for log shipping
type LogrusLogger struct {
	logger *logrus.Logger
}

// NewLogrusLogger wraps logger. A JSON formatter is recommended for shipping.
func NewLogrusLogger(logger *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{logger: logger}
}

// Log implements Logger
func (l *LogrusLogger) Log(ctx context.Context, event *Event) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": string(event.EventType),
		"status":     string(event.Status),
		"occurred":   event.Timestamp,
	}
	optional := map[string]string{
		"reason":                 event.Reason,
		"actor_id":               event.ActorID,
		"target_user_id":         event.TargetUserID,
		"target_organization_id": event.TargetOrganizationID,
		"resource_type":          string(event.ResourceType),
		"resource_id":            event.ResourceID,
		"ip_address":             event.IPAddress,
		"user_agent":             event.UserAgent,
		"correlation_id":         event.CorrelationID,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	if len(event.Detail) > 0 {
		fields["detail"] = event.Detail
	}

	entry := l.logger.WithContext(ctx).WithFields(fields)
	switch event.Status {
	case StatusSuccess:
		entry.Info("audit event")
	default:
		entry.Warn("audit event")
	}
	return nil
}

// Close implements Logger
func (l *LogrusLogger) Close() error {
	return nil
}
