package event

import "testing"

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"*", "anything:at:all", true},
		{"a:*", "a:ping", true},
		{"a:*", "a:ping:deep", false},
		{"a:*:c", "a:b:c", true},
		{"a:*:c", "a:b:d", false},
		{"a:ping", "a:ping", true},
		{"a:ping", "a:pong", false},
		{"weather:*", "weather", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.name); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.name, got, tc.want)
		}
	}
}

func TestRefRoundTrip(t *testing.T) {
	id := "evt-123"
	ref := RefFor(id)
	if ref != "ctx_evt-123" {
		t.Fatalf("unexpected ref: %s", ref)
	}
	if got := EventIDFromRef(ref); got != id {
		t.Fatalf("EventIDFromRef = %s, want %s", got, id)
	}
	if got := EventIDFromRef("not-a-ref"); got != "" {
		t.Fatalf("EventIDFromRef on bad ref = %q, want empty", got)
	}
}
