package ui

import "testing"

func TestPlainOutputWithoutColor(t *testing.T) {
	// Tests run without a tty, so styling must fall back to plain
	// text.
	t.Setenv("NO_COLOR", "1")

	tests := []struct {
		name string
		fn   func(string) string
	}{
		{"pass", RenderPass},
		{"fail", RenderFail},
		{"warn", RenderWarn},
		{"accent", RenderAccent},
		{"muted", RenderMuted},
		{"title", RenderTitle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn("marker"); got != "marker" {
				t.Errorf("%s = %q, want unstyled text", tt.name, got)
			}
		})
	}
}
