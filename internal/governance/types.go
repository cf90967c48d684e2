// Package governance owns the proposal lifecycle: threshold vote tallying,
// the proposal status state machine, and the durable record of proposals and
// per-signer votes.
package governance

import (
	"errors"
	"time"
)

// Status is the proposal state machine value. Transitions are monotonic:
// active -> passed -> executed, active -> rejected. rejected and executed
// are terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusPassed   Status = "passed"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted
}

// Type tags the administrative action a proposal requests.
type Type string

const (
	TypeAddSigner       Type = "add_signer"
	TypeRemoveSigner    Type = "remove_signer"
	TypeChangeThreshold Type = "change_threshold"
	TypeBanAccount      Type = "ban_account"
	TypeUnbanAccount    Type = "unban_account"
	TypeSystemUpgrade   Type = "system_upgrade"
	TypeCustom          Type = "custom"
)

var knownTypes = map[Type]bool{
	TypeAddSigner:       true,
	TypeRemoveSigner:    true,
	TypeChangeThreshold: true,
	TypeBanAccount:      true,
	TypeUnbanAccount:    true,
	TypeSystemUpgrade:   true,
	TypeCustom:          true,
}

// Valid reports whether the type is one of the known variants.
func (t Type) Valid() bool { return knownTypes[t] }

// NumericTarget reports whether the type requires target_id to encode an
// integer parameter.
func (t Type) NumericTarget() bool { return t == TypeChangeThreshold }

// Scope selects which signer population may vote on a proposal.
type Scope string

const (
	ScopeAdmin  Scope = "admin"
	ScopeNotary Scope = "notary"
	ScopeAll    Scope = "all"
)

// Valid reports whether the scope is one of the known variants.
func (s Scope) Valid() bool {
	return s == ScopeAdmin || s == ScopeNotary || s == ScopeAll
}

// Decision is a signer's vote on a proposal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether the decision is one of the known variants.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Proposal is an off-chain record of a proposed administrative action
// awaiting threshold approval. Threshold is snapshotted at creation so later
// settings changes do not retroactively alter in-flight proposals.
type Proposal struct {
	ID          uint64 `json:"id"`
	Type        Type   `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	TargetID    string `json:"target_id"`
	ProposerID  string `json:"proposer_id"`
	Status      Status `json:"status"`
	Threshold   int    `json:"threshold"`
	Scope       Scope  `json:"participation_scope"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Derived tallies over the current vote set; filled on reads.
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`

	// Mirrored on-chain state; refreshed by polling, never authoritative
	// for the off-chain status above.
	OnChainTxIndex        *uint64    `json:"on_chain_tx_index,omitempty"`
	OnChainSubmissionTime *time.Time `json:"on_chain_submission_time,omitempty"`
	OnChainConfirmations  int        `json:"on_chain_confirmations"`
	OnChainExecuted       bool       `json:"on_chain_executed"`
}

// Vote is a signer's decision on a proposal. At most one vote exists per
// (proposal, voter); a later vote replaces the earlier one while the
// proposal is still active.
type Vote struct {
	ProposalID uint64   `json:"proposal_id"`
	VoterID    string   `json:"voter_id"`
	Decision   Decision `json:"decision"`
	Signature  string   `json:"signature"`
	// Timestamp is the millisecond timestamp bound into the signed message.
	Timestamp int64     `json:"timestamp"`
	CastAt    time.Time `json:"cast_at"`
}

// Signer is an identity permitted to vote, with its on-record wallet address.
type Signer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Role    string `json:"role"` // "admin" or "notary"
}

var (
	ErrNotFound         = errors.New("governance: not found")
	ErrValidation       = errors.New("governance: invalid input")
	ErrNotEligible      = errors.New("governance: voter not eligible")
	ErrExpired          = errors.New("governance: proposal expired")
	ErrInvalidSignature = errors.New("governance: signature does not verify")
	ErrAlreadyTerminal  = errors.New("governance: proposal already terminal")
	ErrConflict         = errors.New("governance: conflicting status transition")
)
