package event

import (
	"encoding/json"
	"testing"
)

func TestContextMarshalIncludesExtra(t *testing.T) {
	c := Context{
		EventID:       "e1",
		CorrelationID: "c1",
		RootEventID:   "e1",
		Ref:           "ctx_e1",
		Extra: map[string]json.RawMessage{
			"_workflow_id": json.RawMessage(`"w1"`),
		},
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["_workflow_id"]) != `"w1"` {
		t.Fatalf("missing extra field in marshaled context: %s", data)
	}
	if string(raw["_event_id"]) != `"e1"` {
		t.Fatalf("missing known field in marshaled context: %s", data)
	}
}

func TestContextUnmarshalSplitsExtra(t *testing.T) {
	raw := []byte(`{"_event_id":"e1","_correlation_id":"c1","_root_event_id":"e1","_ref":"ctx_e1","_workflow_id":"w1"}`)

	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		t.Fatal(err)
	}
	if c.EventID != "e1" {
		t.Fatalf("EventID = %s", c.EventID)
	}
	if string(c.Extra["_workflow_id"]) != `"w1"` {
		t.Fatalf("Extra[_workflow_id] = %s", c.Extra["_workflow_id"])
	}
}
