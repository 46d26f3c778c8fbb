package audithook

import (
	"context"
	"log/slog"
	"strings"

	"github.com/xraph/fabric/ext"
	"github.com/xraph/fabric/id"
)

// Compile-time interface checks.
var (
	_ ext.Extension           = (*Extension)(nil)
	_ ext.SubscriptionStarted = (*Extension)(nil)
	_ ext.SubscriptionStopped = (*Extension)(nil)
	_ ext.SubscriptionFailed  = (*Extension)(nil)
	_ ext.NodeJoined          = (*Extension)(nil)
	_ ext.NodeEvicted         = (*Extension)(nil)
	_ ext.MasterPromoted      = (*Extension)(nil)
	_ ext.RequestResolved     = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audited change.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder writes audit events to logger at a level matching their
// severity.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
		}
		for k, v := range evt.Metadata {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges fabric lifecycle events to an audit trail.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Subscription lifecycle hooks ────────────────────

// OnSubscriptionStarted implements ext.SubscriptionStarted.
func (e *Extension) OnSubscriptionStarted(ctx context.Context, name, kind string) error {
	e.record(ctx, &AuditEvent{
		Action:     ActionSubscriptionStarted,
		Category:   CategorySubscription,
		Resource:   ResourceSubscription,
		ResourceID: name,
		Metadata:   map[string]any{"kind": kind},
	}, nil)
	return nil
}

// OnSubscriptionStopped implements ext.SubscriptionStopped.
func (e *Extension) OnSubscriptionStopped(ctx context.Context, name string) error {
	e.record(ctx, &AuditEvent{
		Action:     ActionSubscriptionStopped,
		Category:   CategorySubscription,
		Resource:   ResourceSubscription,
		ResourceID: name,
	}, nil)
	return nil
}

// OnSubscriptionFailed implements ext.SubscriptionFailed.
func (e *Extension) OnSubscriptionFailed(ctx context.Context, name string, eventErr error) error {
	e.record(ctx, &AuditEvent{
		Action:     ActionSubscriptionFailed,
		Category:   CategorySubscription,
		Resource:   ResourceSubscription,
		ResourceID: name,
		Severity:   SeverityWarning,
	}, eventErr)
	return nil
}

// ── Cluster lifecycle hooks ─────────────────────────

// OnNodeJoined implements ext.NodeJoined.
func (e *Extension) OnNodeJoined(ctx context.Context, node string) error {
	e.record(ctx, &AuditEvent{
		Action:     ActionNodeJoined,
		Category:   CategoryCluster,
		Resource:   ResourceNode,
		ResourceID: node,
	}, nil)
	return nil
}

// OnNodeEvicted implements ext.NodeEvicted. The node's subscriptions
// queued for recovery are listed in the metadata.
func (e *Extension) OnNodeEvicted(ctx context.Context, node string, subs []string) error {
	e.record(ctx, &AuditEvent{
		Action:     ActionNodeEvicted,
		Category:   CategoryCluster,
		Resource:   ResourceNode,
		ResourceID: node,
		Severity:   SeverityWarning,
		Outcome:    OutcomeFailure,
		Reason:     "inactivity threshold exceeded",
		Metadata: map[string]any{
			"recovered":       strings.Join(subs, ","),
			"recovered_count": len(subs),
		},
	}, nil)
	return nil
}

// OnMasterPromoted implements ext.MasterPromoted.
func (e *Extension) OnMasterPromoted(ctx context.Context, node string) error {
	e.record(ctx, &AuditEvent{
		Action:     ActionMasterPromoted,
		Category:   CategoryCluster,
		Resource:   ResourceNode,
		ResourceID: node,
	}, nil)
	return nil
}

// OnRequestResolved implements ext.RequestResolved. Requests resolved
// with any status but ok are critical.
func (e *Extension) OnRequestResolved(ctx context.Context, requestID id.RequestID, status string) error {
	evt := &AuditEvent{
		Action:     ActionRequestResolved,
		Category:   CategoryRequest,
		Resource:   ResourceRequest,
		ResourceID: requestID.String(),
		Metadata:   map[string]any{"status": status},
	}
	if status != "ok" {
		evt.Severity, evt.Outcome = SeverityCritical, OutcomeFailure
	}
	e.record(ctx, evt, nil)
	return nil
}

// record fills the defaults of evt and hands it to the recorder if its
// action is enabled. Recorder failures are logged, never returned.
func (e *Extension) record(ctx context.Context, evt *AuditEvent, cause error) {
	if e.enabled != nil && !e.enabled[evt.Action] {
		return
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
	if evt.Outcome == "" {
		evt.Outcome = OutcomeSuccess
	}
	if cause != nil {
		evt.Outcome = OutcomeFailure
		evt.Reason = cause.Error()
		if evt.Metadata == nil {
			evt.Metadata = make(map[string]any, 1)
		}
		evt.Metadata["error"] = cause.Error()
	}
	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit record failed",
			slog.String("action", evt.Action),
			slog.String("resource_id", evt.ResourceID),
			slog.String("error", err.Error()),
		)
	}
}
