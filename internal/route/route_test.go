package route

import "testing"

func TestFromMessage(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		channel string
		thread  string
		want    string
	}{
		{
			name:    "plain slack channel",
			source:  "slack",
			channel: "C0421",
			thread:  "1699999999.000100",
			want:    "slack:C0421:1699999999.000100",
		},
		{
			name:    "missing thread defaults to main",
			source:  "discord",
			channel: "988112",
			thread:  "",
			want:    "discord:988112:main",
		},
		{
			name:    "unsafe characters sanitized",
			source:  "socket",
			channel: "eng/ops room",
			thread:  "a:b",
			want:    "socket:eng_ops_room:a_b",
		},
		{
			name:    "unicode sanitized",
			source:  "slack",
			channel: "chät",
			thread:  "",
			want:    "slack:ch_t:main",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromMessage(tt.source, tt.channel, tt.thread)
			if got.SessionKey != tt.want {
				t.Errorf("FromMessage(%q, %q, %q) = %q, want %q",
					tt.source, tt.channel, tt.thread, got.SessionKey, tt.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{"eng ops", "a:b:c", "plain", "x._-9"}
	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
