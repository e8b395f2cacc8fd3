package logging

import "time"

// #region audit-entry
// AuditEntry is one append-only decision record.
type AuditEntry struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Decision  string             `json:"decision"` // "auto_approve" | "queue" | "reject" | "approved" | "rejected" | "applied" | "apply_failed" | "rollback" | "taint_cleared"
	RequestID string             `json:"request_id,omitempty"`
	Kind      string             `json:"kind,omitempty"`
	Origin    string             `json:"origin,omitempty"`
	RiskScore float64            `json:"risk_score"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
	Reasons   []string           `json:"reasons,omitempty"`
	Reviewer  string             `json:"reviewer,omitempty"`
	Version   int64              `json:"version,omitempty"`
}
// #endregion audit-entry
