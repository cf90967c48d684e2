package governance

import (
	"context"
	"time"
)

// Store describes persistence operations required by the consensus engine.
// Implementations must provide at least read-committed isolation and an
// atomic conditional status transition.
type Store interface {
	// CreateProposal persists a new proposal and assigns its ID.
	CreateProposal(ctx context.Context, p *Proposal) error
	// Proposal returns a proposal with its tallies filled.
	Proposal(ctx context.Context, id uint64) (Proposal, error)
	// Proposals returns all proposals, newest first, tallies filled.
	Proposals(ctx context.Context) ([]Proposal, error)
	// ProposalsByStatus filters by status, tallies filled.
	ProposalsByStatus(ctx context.Context, status Status) ([]Proposal, error)
	// TransitionStatus atomically moves a proposal from one status to
	// another. Returns ErrConflict when the stored status differs from
	// `from` (the update must affect exactly one row), ErrNotFound when the
	// proposal does not exist.
	TransitionStatus(ctx context.Context, id uint64, from, to Status) error
	// SetOnChain records the multi-sig transaction index a passed proposal
	// was bridged to, with its submission time.
	SetOnChain(ctx context.Context, id uint64, txIndex uint64, submitted time.Time) error
	// UpdateMirror refreshes the cached on-chain confirmation state.
	UpdateMirror(ctx context.Context, id uint64, confirmations int, executed bool) error
	// UpsertVote stores a vote, replacing any prior vote by the same voter.
	UpsertVote(ctx context.Context, v *Vote) error
	// Votes returns the current vote set for a proposal.
	Votes(ctx context.Context, proposalID uint64) ([]Vote, error)
}

// SignerDirectory resolves voter identities to their on-record signer entry
// and sizes the eligible population for a participation scope.
type SignerDirectory interface {
	Signer(ctx context.Context, voterID string) (Signer, error)
	EligibleCount(ctx context.Context, scope Scope) (int, error)
}

// SettingsSource provides the current quorum requirement from system
// settings; consulted once at proposal creation.
type SettingsSource interface {
	CurrentThreshold(ctx context.Context) (int, error)
}

// Eligible reports whether a signer with the given role may vote under the
// scope.
func Eligible(scope Scope, role string) bool {
	switch scope {
	case ScopeAdmin:
		return role == "admin"
	case ScopeNotary:
		return role == "notary"
	case ScopeAll:
		return role == "admin" || role == "notary"
	}
	return false
}
