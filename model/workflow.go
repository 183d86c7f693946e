package model

import "time"

// TransitionRule is one immutable edge of the transition table.
type TransitionRule struct {
	From         Stage  `json:"from"`
	To           Stage  `json:"to"`
	AllowedRoles []Role `json:"allowed_roles"`
	Action       string `json:"action"`
}

// Allows reports whether role may perform this transition. MANAGER and ADMIN
// are implicitly allowed on every rule.
func (r TransitionRule) Allows(role Role) bool {
	if role.Privileged() {
		return true
	}
	for _, allowed := range r.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// WorkflowAction is the audit record of one executed transition.
type WorkflowAction struct {
	ID             string         `json:"id"`
	ItemID         string         `json:"item_id"`
	UserID         string         `json:"user_id"`
	FromStage      Stage          `json:"from_stage"`
	ToStage        Stage          `json:"to_stage"`
	Action         string         `json:"action"`
	Notes          string         `json:"notes,omitempty"`
	Changes        map[string]any `json:"changes,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
