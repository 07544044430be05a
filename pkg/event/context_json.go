package event

import "encoding/json"

// contextAlias avoids infinite recursion into Context's own
// Marshal/UnmarshalJSON when round-tripping through json.Marshal.
type contextAlias Context

// MarshalJSON flattens Extra's caller-supplied "_x" fields alongside the
// named fields, matching the source's plain-dict context representation.
func (c Context) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(contextAlias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads the named fields and stashes any unrecognized
// underscore-prefixed key into Extra.
func (c *Context) UnmarshalJSON(data []byte) error {
	var alias contextAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	known := map[string]bool{
		"_event_id": true, "_event_timestamp": true, "_correlation_id": true,
		"_parent_event_id": true, "_root_event_id": true, "_event_depth": true,
		"_ref": true, "_agent_id": true, "_client_id": true, "_session": true,
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range raw {
		if known[k] {
			continue
		}
		extra[k] = v
	}

	*c = Context(alias)
	if len(extra) > 0 {
		c.Extra = extra
	}
	return nil
}
