// Package intervention records human-in-the-loop actions taken on ledger
// decisions: reviews, approvals, rejections, overrides and escalations.
//
// The decision chain is append-only, so an intervention never edits the
// record it concerns. It is stored beside it, bound to the record's
// transaction id, chain position and record hash, and carries its own
// content hash so a bundle can ship it as tamper-evident evidence.
package intervention

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/xase-labs/xase-core/pkg/canonicalize"
)

// ResourceType is the audit resource type of intervention events.
const ResourceType = "DECISION_RECORD"

// Dir holds one JSON artifact per intervention inside a bundle.
const Dir = "interventions"

type Action string

const (
	ActionReviewRequested Action = "REVIEW_REQUESTED"
	ActionApproved        Action = "APPROVED"
	ActionRejected        Action = "REJECTED"
	ActionOverride        Action = "OVERRIDE"
	ActionEscalated       Action = "ESCALATED"
)

// Actions lists every action in display order.
var Actions = []Action{ActionReviewRequested, ActionApproved, ActionRejected, ActionOverride, ActionEscalated}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("intervention: unknown action %q", s)
}

// RequiresReason reports whether the action must carry a justification.
func (a Action) RequiresReason() bool {
	return a == ActionRejected || a == ActionOverride
}

// FinalDecisionSource names who decided the outcome once a is applied.
// Reviews and escalations leave the model's decision standing.
func (a Action) FinalDecisionSource() string {
	switch a {
	case ActionApproved:
		return "HUMAN_APPROVED"
	case ActionRejected:
		return "HUMAN_REJECTED"
	case ActionOverride:
		return "HUMAN_OVERRIDE"
	default:
		return "AI"
	}
}

type Actor struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Intervention is one human action on one decision record.
type Intervention struct {
	InterventionID string `json:"interventionId"`
	TenantID       string `json:"tenantId"`
	TransactionID  string `json:"transactionId"`
	// RecordSequence and RecordHash pin the decision the human acted on.
	RecordSequence int64  `json:"recordSequence"`
	RecordHash     string `json:"recordHash"`
	Action         Action `json:"action"`
	Actor          Actor  `json:"actor"`
	Reason         string `json:"reason,omitempty"`
	Notes          string `json:"notes,omitempty"`
	// Metadata and NewOutcome are canonical JSON.
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	NewOutcome json.RawMessage `json:"newOutcome,omitempty"`
	// PreviousOutcomeHash is the overridden record's outputHash.
	PreviousOutcomeHash string    `json:"previousOutcomeHash,omitempty"`
	NewOutcomeHash      string    `json:"newOutcomeHash,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	InterventionHash    string    `json:"interventionHash"`
}

// Hash is the SHA-256 of the JCS form of every field but InterventionHash.
func (iv *Intervention) Hash() (string, error) {
	c := *iv
	c.InterventionHash = ""
	c.Timestamp = c.Timestamp.UTC()
	return canonicalize.HashObject(c)
}

// HashOK reports whether InterventionHash matches the content.
func (iv *Intervention) HashOK() bool {
	h, err := iv.Hash()
	return err == nil && h == iv.InterventionHash
}

// ArtifactPath is the bundle path of an intervention.
func ArtifactPath(interventionID string) string {
	return path.Join(Dir, interventionID+".json")
}

// Stats counts interventions per action.
type Stats struct {
	Total    int64            `json:"total"`
	ByAction map[Action]int64 `json:"byAction"`
}

// Count tallies ivs.
func Count(ivs []*Intervention) Stats {
	st := Stats{ByAction: make(map[Action]int64)}
	for _, iv := range ivs {
		st.Total++
		st.ByAction[iv.Action]++
	}
	return st
}

// Store persists interventions. Listing is oldest first.
type Store interface {
	Create(ctx context.Context, iv *Intervention) error
	// Get returns xerrors.ErrNotFound when absent.
	Get(ctx context.Context, tenantID, interventionID string) (*Intervention, error)
	ListByTransaction(ctx context.Context, tenantID, transactionID string) ([]*Intervention, error)
	// ListBySequence returns interventions on records whose chain position
	// lies in [from, to].
	ListBySequence(ctx context.Context, tenantID string, from, to int64) ([]*Intervention, error)
	Stats(ctx context.Context, tenantID string) (Stats, error)
}

func sortOldestFirst(ivs []*Intervention) {
	sort.SliceStable(ivs, func(i, j int) bool {
		if !ivs[i].Timestamp.Equal(ivs[j].Timestamp) {
			return ivs[i].Timestamp.Before(ivs[j].Timestamp)
		}
		return ivs[i].InterventionID < ivs[j].InterventionID
	})
}
