// Package template renders the fixed variable-substitution language
// shared by every outbound notification target (MQTT topics, webhook
// bodies): a small closed set of {{var}} placeholders, deliberately not
// a general templating engine, so a misconfigured template string can
// never inject arbitrary Go template control flow.
package template

import (
	"strings"

	"github.com/edgegw/gateway/internal/frame"
)

// Context supplies the values the fixed variable set may expand
// to. Fields left zero-valued render as empty strings rather than
// panicking - a frame with no device context still renders, it just
// omits {{device_name}}.
type Context struct {
	Tag           string
	Value         string
	Timestamp     string
	Level         string
	SeverityEmoji string
	DeviceName    string
	TagName       string
	Unit          string
}

// FromFrame builds a rendering Context from a bus frame, splitting its
// telemetry tag into device/tag name components where possible.
func FromFrame(f frame.Frame) Context {
	device, tag, _ := frame.ParseTelemetryTag(f.Tag)
	return Context{
		Tag:        f.Tag,
		Value:      f.Value.String(),
		Timestamp:  f.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		DeviceName: device,
		TagName:    tag,
		Unit:       f.Meta["unit"],
	}
}

var severityEmoji = map[string]string{
	"info":     "ℹ️",
	"warning":  "⚠️",
	"critical": "\U0001F6A8",
}

// SeverityEmoji maps a rule severity string to its display glyph,
// falling back to a plain bullet for an unrecognized severity.
func SeverityEmoji(severity string) string {
	if e, ok := severityEmoji[strings.ToLower(severity)]; ok {
		return e
	}
	return "•"
}

var placeholders = [...]string{
	"{{tag}}", "{{value}}", "{{timestamp}}", "{{level}}",
	"{{severity_emoji}}", "{{device_name}}", "{{tag_name}}", "{{unit}}",
}

// Render substitutes every recognized placeholder in tmpl with its
// value from ctx. Unrecognized placeholders are left verbatim so a
// typo in a template is visible in the rendered output rather than
// silently eaten.
func Render(tmpl string, ctx Context) string {
	values := [...]string{
		ctx.Tag, ctx.Value, ctx.Timestamp, ctx.Level,
		ctx.SeverityEmoji, ctx.DeviceName, ctx.TagName, ctx.Unit,
	}
	replacer := make([]string, 0, len(placeholders)*2)
	for i, ph := range placeholders {
		replacer = append(replacer, ph, values[i])
	}
	return strings.NewReplacer(replacer...).Replace(tmpl)
}

// RenderCount is a test/diagnostic helper reporting how many of the
// fixed placeholders actually appear in tmpl (each counted once).
func RenderCount(tmpl string) int {
	n := 0
	for _, ph := range placeholders {
		if strings.Contains(tmpl, ph) {
			n++
		}
	}
	return n
}
