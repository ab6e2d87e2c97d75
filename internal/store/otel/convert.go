package otel

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/agentsh/actiond/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

func convertToLogRecord(ev types.Event) otellog.Record {
	var rec otellog.Record
	sev := eventSeverity(ev)
	rec.SetTimestamp(ev.Timestamp)
	rec.SetBody(otellog.StringValue(eventBody(ev)))
	rec.SetSeverity(sev)
	rec.SetSeverityText(sev.String())
	rec.AddAttributes(eventAttributes(ev)...)
	return rec
}

// eventCategory is the part of the type before the first underscore:
// "approval", "action", "process" or "capability".
func eventCategory(eventType string) string {
	cat, _, _ := strings.Cut(eventType, "_")
	return cat
}

func eventBody(ev types.Event) string {
	target := ev.Path
	if target == "" {
		target = ev.Command
	}
	if target != "" {
		return fmt.Sprintf("%s: %s", ev.Type, target)
	}
	return ev.Type
}

func eventSeverity(ev types.Event) otellog.Severity {
	switch ev.Type {
	case "action_undo_failed", "capability_denied":
		return otellog.SeverityError
	case "process_stale":
		return otellog.SeverityWarn
	case "approval_resolved":
		if d, _ := ev.Fields["decision"].(string); d == string(types.DecisionDeny) {
			return otellog.SeverityWarn
		}
	}
	return otellog.SeverityInfo
}

func eventAttributes(ev types.Event) []otellog.KeyValue {
	var attrs []otellog.KeyValue
	if ev.PID != 0 {
		attrs = append(attrs, otellog.Int("process.pid", ev.PID))
	}
	if ev.ID != "" {
		attrs = append(attrs, otellog.String("actiond.event.id", ev.ID))
	}
	attrs = append(attrs, otellog.String("actiond.event.type", ev.Type))
	if ev.RunID != "" {
		attrs = append(attrs, otellog.String("actiond.run.id", ev.RunID))
	}
	if ev.ActionID != "" {
		attrs = append(attrs, otellog.String("actiond.action.id", ev.ActionID))
	}
	if ev.Path != "" {
		attrs = append(attrs, otellog.String("actiond.path", ev.Path))
	}
	if ev.Command != "" {
		attrs = append(attrs, otellog.String("actiond.command", ev.Command))
	}

	for _, key := range []string{
		"tool_name", "category", "decision", "reason", "approval_id",
		"session_id", "exit_code", "error", "success",
	} {
		switch val := ev.Fields[key].(type) {
		case string:
			if val != "" {
				attrs = append(attrs, otellog.String("actiond."+key, val))
			}
		case int:
			attrs = append(attrs, otellog.Int("actiond."+key, val))
		case int64:
			attrs = append(attrs, otellog.Int64("actiond."+key, val))
		case float64:
			attrs = append(attrs, otellog.Float64("actiond."+key, val))
		case bool:
			attrs = append(attrs, otellog.Bool("actiond."+key, val))
		}
	}
	return attrs
}

// eventContext attaches the caller's trace when the event carries
// trace_id/span_id fields, so collectors can join audit logs to traces.
func eventContext(ctx context.Context, ev types.Event) context.Context {
	var cfg trace.SpanContextConfig
	hasTrace := hexField(ev, "trace_id", cfg.TraceID[:])
	hasSpan := hexField(ev, "span_id", cfg.SpanID[:])
	if !hasTrace && !hasSpan {
		return ctx
	}
	cfg.TraceFlags = trace.FlagsSampled
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(cfg))
}

// hexField decodes a hex field into dst, which must be filled exactly.
func hexField(ev types.Event, key string, dst []byte) bool {
	s, ok := ev.Fields[key].(string)
	if !ok || s == "" {
		return false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(dst) {
		return false
	}
	copy(dst, b)
	return true
}

func BuildResource(serviceName string, extraAttrs map[string]string) *resource.Resource {
	kvs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	for k, v := range extraAttrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	res, _ := resource.New(context.Background(), resource.WithAttributes(kvs...))
	return res
}
