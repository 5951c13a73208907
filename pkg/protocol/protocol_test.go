package protocol

import "testing"

func TestParseModernShapes(t *testing.T) {
	tests := []struct {
		name string
		line string
		want func(Request) bool
	}{
		{
			name: "send with mode",
			line: `{"type":"send","id":"1","sessionKey":"slack:C1:main","message":"hi","mode":"steer"}`,
			want: func(r Request) bool {
				s, ok := r.(SendRequest)
				return ok && s.Mode == ModeSteer && s.Message == "hi"
			},
		},
		{
			name: "send defaults to follow_up",
			line: `{"type":"send","message":"hi"}`,
			want: func(r Request) bool {
				s, ok := r.(SendRequest)
				return ok && s.Mode == ModeFollowUp
			},
		},
		{
			name: "subscribe defaults to turn_end",
			line: `{"type":"subscribe","sessionKey":"k"}`,
			want: func(r Request) bool {
				s, ok := r.(SubscribeRequest)
				return ok && s.Event == EventTurnEnd
			},
		},
		{
			name: "clear",
			line: `{"type":"clear","summarize":false}`,
			want: func(r Request) bool { _, ok := r.(ClearRequest); return ok },
		},
		{
			name: "abort",
			line: `{"type":"abort"}`,
			want: func(r Request) bool { _, ok := r.(AbortRequest); return ok },
		},
		{
			name: "unknown type",
			line: `{"type":"mystery"}`,
			want: func(r Request) bool {
				u, ok := r.(UnknownRequest)
				return ok && u.Tag == "mystery"
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest([]byte(tt.line))
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if !tt.want(got) {
				t.Errorf("ParseRequest(%s) = %#v", tt.line, got)
			}
		})
	}
}

func TestParseLegacyShape(t *testing.T) {
	got, err := ParseRequest([]byte(`{"action":"alias_set","alias":"runbook","sessionKey":"k"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	leg, ok := got.(LegacyRequest)
	if !ok || leg.Action != ActionAliasSet {
		t.Errorf("got %#v", got)
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := ParseRequest([]byte(`{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
	if _, err := ParseRequest([]byte(`{"message":"no tag"}`)); err == nil {
		t.Error("untagged document accepted")
	}
}
