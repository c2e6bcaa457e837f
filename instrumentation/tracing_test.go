package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordSpan runs fn against a fresh recorded span and returns it once ended.
func recordSpan(t *testing.T, fn func(span trace.Span)) sdktrace.ReadOnlySpan {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer(scopePrefix+"test").Start(context.Background(), "test-span")
	fn(span)
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(ended))
	}
	return ended[0]
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestRecordError(t *testing.T) {
	span := recordSpan(t, func(s trace.Span) {
		RecordError(s, errors.New("storage unavailable"))
	})

	if span.Status().Code != codes.Error || span.Status().Description != "storage unavailable" {
		t.Errorf("Status() = %+v, want error with message", span.Status())
	}
	if len(span.Events()) != 1 || span.Events()[0].Name != "exception" {
		t.Errorf("Events() = %v, want one exception event", span.Events())
	}
}

func TestRecordError_NilError(t *testing.T) {
	span := recordSpan(t, func(s trace.Span) { RecordError(s, nil) })

	if span.Status().Code != codes.Unset {
		t.Errorf("Status() = %+v, want unset", span.Status())
	}
}

func TestSetSpanStatus(t *testing.T) {
	ok := recordSpan(t, SetSpanSuccess)
	if ok.Status().Code != codes.Ok {
		t.Errorf("SetSpanSuccess status = %v, want Ok", ok.Status().Code)
	}

	failed := recordSpan(t, func(s trace.Span) { SetSpanError(s, "token reuse detected") })
	if failed.Status().Code != codes.Error || failed.Status().Description != "token reuse detected" {
		t.Errorf("SetSpanError status = %+v", failed.Status())
	}
}

func TestAttributeHelpers(t *testing.T) {
	tests := []struct {
		name   string
		apply  func(trace.Span)
		want   map[attribute.Key]attribute.Value
		absent []attribute.Key
	}{
		{
			name:  "oauth flow",
			apply: func(s trace.Span) { AddOAuthFlowAttributes(s, "web", "user-1", "openid email") },
			want: map[attribute.Key]attribute.Value{
				AttrClientID: attribute.StringValue("web"),
				AttrUserID:   attribute.StringValue("user-1"),
				AttrScope:    attribute.StringValue("openid email"),
			},
		},
		{
			name:   "oauth flow skips empty values",
			apply:  func(s trace.Span) { AddOAuthFlowAttributes(s, "web", "", "") },
			want:   map[attribute.Key]attribute.Value{AttrClientID: attribute.StringValue("web")},
			absent: []attribute.Key{AttrUserID, AttrScope},
		},
		{
			name:   "pkce",
			apply:  func(s trace.Span) { AddPKCEAttributes(s, "S256") },
			want:   map[attribute.Key]attribute.Value{AttrPKCEMethod: attribute.StringValue("S256")},
			absent: nil,
		},
		{
			name:  "token chain",
			apply: func(s trace.Span) { AddTokenChainAttributes(s, "rt-2", "rt-1") },
			want: map[attribute.Key]attribute.Value{
				AttrTokenID:       attribute.StringValue("rt-2"),
				AttrTokenParentID: attribute.StringValue("rt-1"),
			},
		},
		{
			name:   "root token has no parent",
			apply:  func(s trace.Span) { AddTokenChainAttributes(s, "rt-1", "") },
			want:   map[attribute.Key]attribute.Value{AttrTokenID: attribute.StringValue("rt-1")},
			absent: []attribute.Key{AttrTokenParentID},
		},
		{
			name:  "storage",
			apply: func(s trace.Span) { AddStorageAttributes(s, "within_tx", "bolt") },
			want: map[attribute.Key]attribute.Value{
				AttrStorageOperation: attribute.StringValue("within_tx"),
				AttrStorageType:      attribute.StringValue("bolt"),
			},
		},
		{
			name:  "http",
			apply: func(s trace.Span) { AddHTTPAttributes(s, "POST", "/token", 400) },
			want: map[attribute.Key]attribute.Value{
				AttrHTTPMethod:     attribute.StringValue("POST"),
				AttrHTTPEndpoint:   attribute.StringValue("/token"),
				AttrHTTPStatusCode: attribute.IntValue(400),
			},
		},
		{
			name:   "security skips empty ip",
			apply:  func(s trace.Span) { AddSecurityAttributes(s, "") },
			absent: []attribute.Key{AttrClientIP},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attrs(recordSpan(t, tt.apply))
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("attribute %s = %v, want %v", k, got[k].Emit(), v.Emit())
				}
			}
			for _, k := range tt.absent {
				if _, ok := got[k]; ok {
					t.Errorf("attribute %s should not be set", k)
				}
			}
		})
	}
}

func TestSpanNesting(t *testing.T) {
	inst, err := New(Config{Enabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	ctx, root := inst.Tracer("http").Start(context.Background(), "http.token")
	ctx, exchange := inst.Tracer("server").Start(ctx, "oauth.refresh_token")
	_, store := inst.Tracer("storage").Start(ctx, "storage.within_tx")

	if store.SpanContext().TraceID() != root.SpanContext().TraceID() {
		t.Error("nested spans should share the trace ID of their root")
	}

	store.End()
	exchange.End()
	root.End()
}

func TestHelpers_NilSpan(t *testing.T) {
	SetSpanError(nil, "error")
	SetSpanAttributes(nil, attribute.String("key", "value"))
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	AddOAuthFlowAttributes(nil, "client", "user", "scope")
	AddPKCEAttributes(nil, "S256")
	AddTokenChainAttributes(nil, "rt-2", "rt-1")
	AddStorageAttributes(nil, "save", "memory")
	AddHTTPAttributes(nil, "GET", "/health", 200)
	AddSecurityAttributes(nil, "192.0.2.1")
}
