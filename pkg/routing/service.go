// Package routing implements the dynamic routing control plane (C6):
// CRUD over runtime routing rules, each compiled into a router
// transformer, with TTL expiry, parent-scoped cleanup, and an
// append-only audit log.
package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/durapensa/ksi/pkg/capability"
	"github.com/durapensa/ksi/pkg/kerrors"
	"github.com/durapensa/ksi/pkg/router"
)

// SystemIdentity is the synthetic caller that bypasses the
// routing_control capability check.
const SystemIdentity = "system"

// Service is the C6 dynamic routing service. It owns the rule table and
// audit log; the router owns the transformers the rules compile into.
type Service struct {
	mu    sync.RWMutex
	rules map[string]*Rule

	router *router.Router
	issuer *capability.Issuer
	db     *sql.DB

	cron *cron.Cron

	auditMu sync.Mutex
	audit   []AuditEntry
}

// NewService builds a Service over r, checking capability grants signed
// by issuer. db is used to persist the audit log (sharing the reference
// event log's database, per DESIGN.md).
func NewService(ctx context.Context, r *router.Router, issuer *capability.Issuer, db *sql.DB) (*Service, error) {
	s := &Service{
		rules:  make(map[string]*Rule),
		router: r,
		issuer: issuer,
		db:     db,
	}
	if err := s.createAuditTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create routing audit table: %w", err)
	}
	return s, nil
}

func (s *Service) createAuditTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS routing_audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		op TEXT NOT NULL,
		rule_id TEXT NOT NULL,
		agent_id TEXT,
		timestamp TIMESTAMP NOT NULL,
		payload_json TEXT
	)`)
	return err
}

// checkCapability verifies the caller holds routing_control, unless
// agentID is the synthetic system identity. token is the capability JWT
// the caller presented (the daemon takes it from the request payload's
// "token" field).
func (s *Service) checkCapability(ctx context.Context, agentID, token string) error {
	if agentID == SystemIdentity {
		return nil
	}
	if s.issuer == nil {
		return permissionDenied()
	}
	grant, err := s.issuer.Verify(ctx, token)
	if err != nil {
		return permissionDenied()
	}
	if !grant.Has(capability.RoutingControl) {
		return permissionDenied()
	}
	return nil
}

// permissionDenied builds the routing_control capability failure, carrying
// the required capability in Details so the response envelope can surface
// it as {error: "Permission denied", details: {required_capability: ...}}.
func permissionDenied() error {
	return kerrors.NewWithDetails(kerrors.Permission, "Permission denied", map[string]any{
		"required_capability": capability.RoutingControl,
	})
}

// AddRule validates, stores, and compiles rule into a router transformer.
func (s *Service) AddRule(ctx context.Context, rule *Rule, agentID, token string) error {
	if err := s.checkCapability(ctx, agentID, token); err != nil {
		return err
	}
	if rule.SourcePattern == rule.Target {
		return kerrors.New(kerrors.Validation, "source_pattern must not equal target")
	}
	if rule.RuleID == "" {
		return kerrors.New(kerrors.Validation, "rule_id is required")
	}

	rule.CreatedAt = time.Now()
	rule.CreatedBy = agentID
	if rule.TTLSeconds > 0 {
		t := rule.CreatedAt.Add(time.Duration(rule.TTLSeconds) * time.Second)
		rule.ExpiresAt = &t
	}

	s.mu.Lock()
	if _, exists := s.rules[rule.RuleID]; exists {
		s.mu.Unlock()
		return kerrors.Newf(kerrors.Validation, "rule %q already exists", rule.RuleID)
	}
	s.rules[rule.RuleID] = rule
	s.mu.Unlock()

	s.router.RegisterTransformer(ruleToTransformer(rule))
	s.recordAudit(ctx, "add", rule.RuleID, agentID, rule)
	return nil
}

// ModifyRule replaces an existing rule's definition, unregistering and
// re-registering its transformer.
func (s *Service) ModifyRule(ctx context.Context, ruleID string, update *Rule, agentID, token string) error {
	if err := s.checkCapability(ctx, agentID, token); err != nil {
		return err
	}

	s.mu.Lock()
	existing, ok := s.rules[ruleID]
	if !ok {
		s.mu.Unlock()
		return kerrors.Newf(kerrors.NotFound, "rule %q not found", ruleID)
	}
	update.RuleID = ruleID
	update.CreatedAt = existing.CreatedAt
	update.CreatedBy = existing.CreatedBy
	if update.TTLSeconds > 0 {
		t := time.Now().Add(time.Duration(update.TTLSeconds) * time.Second)
		update.ExpiresAt = &t
	}
	s.rules[ruleID] = update
	s.mu.Unlock()

	s.router.UnregisterTransformer(ruleID)
	s.router.RegisterTransformer(ruleToTransformer(update))
	s.recordAudit(ctx, "modify", ruleID, agentID, update)
	return nil
}

// DeleteRule removes a rule and its transformer.
func (s *Service) DeleteRule(ctx context.Context, ruleID, agentID, token string) error {
	if err := s.checkCapability(ctx, agentID, token); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.rules[ruleID]; !ok {
		s.mu.Unlock()
		return kerrors.Newf(kerrors.NotFound, "rule %q not found", ruleID)
	}
	delete(s.rules, ruleID)
	s.mu.Unlock()

	s.router.UnregisterTransformer(ruleID)
	s.recordAudit(ctx, "delete", ruleID, agentID, nil)
	return nil
}

// QueryFilter narrows QueryRules; zero-valued fields are unfiltered.
type QueryFilter struct {
	SourcePattern string
	ParentScopeID string
}

// QueryRules returns every rule matching filter, in no particular order.
func (s *Service) QueryRules(filter QueryFilter) []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if filter.SourcePattern != "" && r.SourcePattern != filter.SourcePattern {
			continue
		}
		if filter.ParentScopeID != "" && (r.ParentScope == nil || r.ParentScope.ID != filter.ParentScopeID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// GetAuditLog returns up to limit of the most recent audit entries,
// newest first. limit <= 0 returns everything held in memory.
func (s *Service) GetAuditLog(limit int) []AuditEntry {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	n := len(s.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.audit[n-1-i]
	}
	return out
}

func (s *Service) recordAudit(ctx context.Context, op, ruleID, agentID string, payload any) {
	entry := AuditEntry{Op: op, RuleID: ruleID, AgentID: agentID, Timestamp: time.Now()}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			entry.Payload = raw
		}
	}

	s.auditMu.Lock()
	s.audit = append(s.audit, entry)
	s.auditMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_audit_log (op, rule_id, agent_id, timestamp, payload_json) VALUES (?, ?, ?, ?, ?)`,
		entry.Op, entry.RuleID, entry.AgentID, entry.Timestamp, string(entry.Payload),
	); err != nil {
		// Audit persistence failures must not block the mutation itself;
		// the in-memory record above already satisfies the invariant.
		_ = err
	}
}

func ruleToTransformer(r *Rule) *router.Transformer {
	mapping := r.Mapping
	if mapping == nil {
		mapping = map[string]any{"$": "{{$}}"}
	}
	return &router.Transformer{
		Source:    r.SourcePattern,
		Target:    r.Target,
		Condition: r.Condition,
		Mapping:   mapping,
		Priority:  r.Priority,
		RuleID:    r.RuleID,
	}
}
