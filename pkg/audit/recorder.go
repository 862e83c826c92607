package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tenantauth/pkg/contextkeys"
	"github.com/platinummonkey/tenantauth/pkg/observability"
)

// Recorder turns entries into events and writes them to a sink. A nil
// *Recorder discards entries.
type Recorder struct {
	sink    Logger
	logger  *observability.Logger
	metrics *observability.Metrics
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a recorder. timeout bounds every sink write.
func NewRecorder(sink Logger, logger *observability.Logger, metrics *observability.Metrics, timeout time.Duration) *Recorder {
	if sink == nil {
		sink = NoOpLogger{}
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Recorder{
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		timeout: timeout,
		now:     time.Now,
	}
}

// Record writes entry. It never returns an error and never panics into the
// caller. The write is detached from ctx cancellation so that a client
// hanging up does not erase the trail.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil {
		return
	}

	event := r.buildEvent(ctx, entry)

	defer func() {
		if rec := recover(); rec != nil {
			r.failed(event, observability.PanicError(rec))
		}
	}()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.sink.Log(writeCtx, event); err != nil {
		r.failed(event, err)
	}
}

func (r *Recorder) failed(event *Event, err error) {
	r.metrics.AuditWriteFailed(string(event.EventType))
	r.logger.WithFields(map[string]interface{}{
		"event_type":     string(event.EventType),
		"status":         string(event.Status),
		"reason":         event.Reason,
		"actor_id":       event.ActorID,
		"correlation_id": event.CorrelationID,
	}).WithError(fmt.Errorf("failed to write audit event: %w", err)).Error("Audit write failed")
}

func (r *Recorder) buildEvent(ctx context.Context, entry Entry) *Event {
	event := &Event{
		Timestamp:            r.now().UTC(),
		EventType:            entry.Type,
		Status:               entry.Status,
		Reason:               entry.Reason,
		ActorID:              entry.ActorID,
		TargetUserID:         entry.TargetUserID,
		TargetOrganizationID: entry.TargetOrganizationID,
		ResourceType:         entry.ResourceType,
		ResourceID:           entry.ResourceID,
		IPAddress:            contextkeys.GetClientIP(ctx),
		UserAgent:            contextkeys.GetUserAgent(ctx),
		CorrelationID:        entry.CorrelationID,
		Detail:               entry.Detail,
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	if event.ActorID == "" {
		event.ActorID = contextkeys.GetUserID(ctx)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = contextkeys.GetRequestID(ctx)
	}
	return event
}

// Close closes the sink
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.sink.Close()
}
