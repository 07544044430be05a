// Package event defines the wire-level Event and Context records
// shared by every other package in this module, plus the colon-
// delimited event name helpers (Segments, pattern matching lives in
// pattern.go).
package event

import (
	"encoding/json"
	"strings"
)

// Event is a named record with JSON data and an attached context,
// emitted through the router.
type Event struct {
	EventID    string          `json:"event_id"`
	EventName  string          `json:"event_name"`
	Timestamp  float64         `json:"timestamp"`
	Data       json.RawMessage `json:"data"`
	ContextRef string          `json:"context_ref"`
}

// Context is the immutable record attached to every event. Once stored it
// is never mutated; a later update allocates a child context instead.
type Context struct {
	EventID       string  `json:"_event_id"`
	EventTimestamp float64 `json:"_event_timestamp"`
	CorrelationID  string  `json:"_correlation_id"`
	ParentEventID  string  `json:"_parent_event_id,omitempty"`
	RootEventID    string  `json:"_root_event_id"`
	EventDepth     int     `json:"_event_depth"`
	Ref            string  `json:"_ref"`

	AgentID  string `json:"_agent_id,omitempty"`
	ClientID string `json:"_client_id,omitempty"`
	Session  string `json:"_session,omitempty"`

	// Extra carries arbitrary caller-supplied "_x" fields inherited from
	// the parent context unless explicitly overridden.
	Extra map[string]json.RawMessage `json:"-"`
}

// RefPrefix is the prefix of every context reference handle.
const RefPrefix = "ctx_"

// RefFor returns the stable reference handle for an event id.
func RefFor(eventID string) string {
	return RefPrefix + eventID
}

// EventIDFromRef strips the ref prefix, returning the empty string if ref
// is not a well-formed context reference.
func EventIDFromRef(ref string) string {
	if !strings.HasPrefix(ref, RefPrefix) {
		return ""
	}
	return strings.TrimPrefix(ref, RefPrefix)
}

// IsRoot reports whether c is its own root, i.e. has no parent.
func (c *Context) IsRoot() bool {
	return c.ParentEventID == ""
}

// Segments splits a colon-delimited event name into its path segments.
func Segments(eventName string) []string {
	return strings.Split(eventName, ":")
}
