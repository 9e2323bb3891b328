package template

import (
	"testing"
	"time"

	"github.com/edgegw/gateway/internal/frame"
	"github.com/stretchr/testify/require"
)

func TestRender_SubstitutesAllFixedVariables(t *testing.T) {
	ctx := Context{
		Tag: "telemetry.d1.t1", Value: "42", Timestamp: "2026-01-01T00:00:00Z",
		Level: "critical", SeverityEmoji: "🚨", DeviceName: "d1", TagName: "t1", Unit: "C",
	}
	tmpl := "{{device_name}}/{{tag_name}} = {{value}}{{unit}} [{{level}} {{severity_emoji}}] @ {{timestamp}} ({{tag}})"
	got := Render(tmpl, ctx)
	require.Equal(t, "d1/t1 = 42C [critical 🚨] @ 2026-01-01T00:00:00Z (telemetry.d1.t1)", got)
}

func TestRender_LeavesUnrecognizedPlaceholderVerbatim(t *testing.T) {
	got := Render("{{bogus}} {{value}}", Context{Value: "1"})
	require.Equal(t, "{{bogus}} 1", got)
}

func TestFromFrame_SplitsTelemetryTag(t *testing.T) {
	f := frame.Frame{
		Tag: frame.TelemetryTag("dev-1", "tag-1"), Value: frame.Float(3.5),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Meta:      map[string]string{"unit": "bar"},
	}
	ctx := FromFrame(f)
	require.Equal(t, "dev-1", ctx.DeviceName)
	require.Equal(t, "tag-1", ctx.TagName)
	require.Equal(t, "bar", ctx.Unit)
	require.Equal(t, "3.5", ctx.Value)
}

func TestSeverityEmoji_UnknownFallsBackToBullet(t *testing.T) {
	require.Equal(t, "•", SeverityEmoji("unheard-of"))
	require.NotEqual(t, "•", SeverityEmoji("critical"))
}

func TestRenderCount_CountsDistinctPlaceholders(t *testing.T) {
	require.Equal(t, 0, RenderCount("static text"))
	require.Equal(t, 2, RenderCount("{{tag}} = {{value}} {{tag}}"))
}
