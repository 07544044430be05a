package routing

import "time"

// ParentScope binds a rule's lifetime to another entity. When that entity
// is terminated, every rule scoped to it is removed in a single pass.
type ParentScope struct {
	Type string `json:"type"` // "agent" | "orchestration" | "workflow"
	ID   string `json:"id"`
}

// Rule is a runtime-owned routing rule. Adding a rule
// registers a router.Transformer with source/target/condition/mapping
// carried over and RuleID set to RuleID, so the router invariant
// ("every rule has exactly one transformer") holds by construction.
type Rule struct {
	RuleID        string         `json:"rule_id"`
	SourcePattern string         `json:"source_pattern"`
	Target        string         `json:"target"`
	Condition     string         `json:"condition,omitempty"`
	Mapping       map[string]any `json:"mapping,omitempty"`
	Priority      int            `json:"priority"`
	TTLSeconds    int            `json:"ttl,omitempty"`
	ParentScope   *ParentScope   `json:"parent_scope,omitempty"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// AuditEntry records one mutation of the rule table. Entries are
// append-only and never edited or deleted.
type AuditEntry struct {
	Op        string    `json:"op"` // "add" | "modify" | "delete" | "expire" | "update_subscription"
	RuleID    string    `json:"rule_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   []byte    `json:"payload,omitempty"`
}
