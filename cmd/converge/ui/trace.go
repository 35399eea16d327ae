package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TraceOutput prints one line per finished span. Nested spans are indented
// under their parent.
type TraceOutput struct {
	provider *sdktrace.TracerProvider
}

func NewTraceOutput(w io.Writer) *TraceOutput {
	p := &spanLineProcessor{w: w}
	return &TraceOutput{provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))}
}

// Tracer returns a tracer from the printing provider, or the global tracer
// when o is nil.
func (o *TraceOutput) Tracer(name string) trace.Tracer {
	if o == nil || o.provider == nil {
		return otel.Tracer(name)
	}
	return o.provider.Tracer(name)
}

func (o *TraceOutput) Close() {
	if o == nil || o.provider == nil {
		return
	}
	_ = o.provider.Shutdown(context.Background())
}

type spanLineProcessor struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *spanLineProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *spanLineProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	line := formatSpanLine(span.Name(), span.Parent().IsValid(), span.Status(), span.Attributes(), span.EndTime().Sub(span.StartTime()))
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func (p *spanLineProcessor) Shutdown(context.Context) error   { return nil }
func (p *spanLineProcessor) ForceFlush(context.Context) error { return nil }

func formatSpanLine(name string, nested bool, status sdktrace.Status, attrs []attribute.KeyValue, d time.Duration) string {
	prefix := "[ok]"
	if status.Code == codes.Error {
		prefix = "[x]"
	}
	indent := ""
	if nested {
		indent = "  "
	}

	var details []string
	for _, key := range []string{"converge.container", "converge.action", "converge.error_kind", "converge.run_id"} {
		if v := attributeValue(attrs, key); v != "" {
			details = append(details, v)
		}
	}
	details = append(details, d.Round(time.Millisecond).String())

	line := fmt.Sprintf("%s%s %s %s", indent, prefix, name, strings.Join(details, " "))
	if msg := strings.TrimSpace(status.Description); status.Code == codes.Error && msg != "" {
		line += " (" + msg + ")"
	}
	return line
}

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.Emit()
		}
	}
	return ""
}
