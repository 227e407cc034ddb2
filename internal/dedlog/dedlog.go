// Package dedlog implements a small deduplicating log sink so a persistently
// failing upstream does not spam the log during refresh. Messages are
// sanitized into a template (volatile bits like timestamps, hex ids and IPs
// replaced with placeholders) and the same template is only logged once per
// suppression window.
//
// Grounded on the original Rust implementation's shared/dedlog module
// (sanitizer + deduplicated log_entry), reimplemented idiomatically: the
// regex-rule sanitizer becomes a small ordered table of (*regexp.Regexp,
// placeholder) pairs, and the log_entry module's dedup map becomes a
// sync.Map of template -> last-logged time guarded by a suppression window,
// emitting through the caller-supplied zap.Logger rather than a bespoke
// logging backend.
//
// © 2025 advcache authors. MIT License.
package dedlog

import (
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"
)

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

var rules = []rule{
	{regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d{1,9})?(?:Z|[+-]\d{2}:\d{2})\b`), "<ts>"},
	{regexp.MustCompile(`\b1[5-9]\d{8}\b`), "<unix>"},
	{regexp.MustCompile(`\b1[5-9]\d{11,12}\b`), "<unixms>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}\b`), "<uuid>"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "<ip4>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{16,64}\b`), "<hex>"},
}

// Sanitize collapses volatile substrings (timestamps, hex ids, IPs, UUIDs)
// in msg into stable placeholders, so that otherwise-identical errors that
// only differ by a timestamp or request id dedup to the same template.
func Sanitize(msg string) string {
	out := msg
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.placeholder)
	}
	return out
}

// Logger deduplicates Error calls: the same sanitized template is only
// forwarded to the underlying zap.Logger once per window.
type Logger struct {
	base   *zap.Logger
	window time.Duration
	last   sync.Map // template -> time.Time
}

// New wraps base with a deduplicating window. window <= 0 disables
// deduplication (every call is forwarded).
func New(base *zap.Logger, window time.Duration) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base, window: window}
}

// Error logs msg (with fields) through the underlying logger unless an
// identically-shaped message was already logged within the suppression
// window, in which case it is dropped.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	tmpl := Sanitize(msg)
	now := time.Now()

	if l.window > 0 {
		if v, ok := l.last.Load(tmpl); ok {
			if now.Sub(v.(time.Time)) < l.window {
				return
			}
		}
	}
	l.last.Store(tmpl, now)
	l.base.Error(msg, fields...)
}
