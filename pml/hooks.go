package pml

import (
	"fmt"
	"strings"
)

// Logger provides printf-style debug logging hooks. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// MetricHook captures matching engine telemetry events. Every method receives the attribute set
// built by the communicator (communicator id plus event specific labels).
type MetricHook interface {
	ReceivePosted(attrs map[string]string)
	ReceiveMatched(attrs map[string]string)
	ProbeMatched(attrs map[string]string)
	FragmentUnexpected(attrs map[string]string)
	ReceiveCancelled(attrs map[string]string)
	RequestCompleted(attrs map[string]string)
}

const (
	labelComm   = "comm"
	labelKind   = "kind"
	labelMode   = "mode"
	labelPath   = "path"
	labelStatus = "status"
)

const (
	modeSpecific = "specific"
	modeWild     = "wild"
	pathPost     = "post"
	pathArrival  = "arrival"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Communicator) logEnabled() bool {
	return c != nil && (c.structured != nil || c.logger != nil)
}

func (c *Communicator) logEvent(event string, fields ...logField) {
	if !c.logEnabled() {
		return
	}
	if c.structured != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelComm, c.id.String())
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		c.structured.Debugw("pml matching", kv...)
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("pml comm=%s %s", c.id, b.String())
}

func (c *Communicator) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+1)
	attrs[labelComm] = c.id.String()
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Communicator) metricReceivePosted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceivePosted(c.metricAttrs(fields...))
}

func (c *Communicator) metricReceiveMatched(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveMatched(c.metricAttrs(fields...))
}

func (c *Communicator) metricProbeMatched(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ProbeMatched(c.metricAttrs(fields...))
}

func (c *Communicator) metricFragmentUnexpected(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.FragmentUnexpected(c.metricAttrs(fields...))
}

func (c *Communicator) metricReceiveCancelled(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveCancelled(c.metricAttrs(fields...))
}

func (c *Communicator) metricRequestCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.RequestCompleted(c.metricAttrs(fields...))
}
