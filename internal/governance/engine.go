package governance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minDurationHours = 1
	maxDurationHours = 720 // 30 days

	// voteTimestampSkew bounds how far a signed vote timestamp may drift
	// from the engine clock in either direction.
	voteTimestampSkew = 10 * time.Minute
)

// Engine owns the proposal status state machine and the vote tallying
// policy. All mutation of proposal status flows through here; no caller
// touches status fields directly.
type Engine struct {
	store    Store
	signers  SignerDirectory
	settings SettingsSource
	now      func() time.Time
}

// EngineOption configures Engine behavior.
type EngineOption func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs the consensus engine.
func NewEngine(store Store, signers SignerDirectory, settings SettingsSource, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		signers:  signers,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateProposalInput carries the caller-supplied proposal fields.
type CreateProposalInput struct {
	Type          Type
	Title         string
	Description   string
	TargetID      string
	ProposerID    string
	Scope         Scope
	DurationHours int
}

// CreateProposal validates input, snapshots the current threshold and
// persists a new active proposal.
func (e *Engine) CreateProposal(ctx context.Context, in CreateProposalInput) (Proposal, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.TargetID = strings.TrimSpace(in.TargetID)
	in.ProposerID = strings.TrimSpace(in.ProposerID)

	if !in.Type.Valid() {
		return Proposal{}, fmt.Errorf("%w: unknown proposal type %q", ErrValidation, in.Type)
	}
	if in.Title == "" {
		return Proposal{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if in.TargetID == "" {
		return Proposal{}, fmt.Errorf("%w: target_id is required", ErrValidation)
	}
	if in.ProposerID == "" {
		return Proposal{}, fmt.Errorf("%w: proposer is required", ErrValidation)
	}
	if !in.Scope.Valid() {
		return Proposal{}, fmt.Errorf("%w: unknown participation scope %q", ErrValidation, in.Scope)
	}
	if in.DurationHours < minDurationHours || in.DurationHours > maxDurationHours {
		return Proposal{}, fmt.Errorf("%w: duration_hours must be between %d and %d", ErrValidation, minDurationHours, maxDurationHours)
	}
	if in.Type.NumericTarget() {
		n, err := strconv.Atoi(in.TargetID)
		if err != nil || n <= 0 {
			return Proposal{}, fmt.Errorf("%w: %s requires a positive integer target_id", ErrValidation, in.Type)
		}
	}

	threshold, err := e.settings.CurrentThreshold(ctx)
	if err != nil {
		return Proposal{}, fmt.Errorf("read threshold: %w", err)
	}
	if threshold < 1 {
		return Proposal{}, fmt.Errorf("%w: system threshold %d is unusable", ErrValidation, threshold)
	}

	now := e.now().UTC()
	p := Proposal{
		Type:        in.Type,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		TargetID:    in.TargetID,
		ProposerID:  in.ProposerID,
		Status:      StatusActive,
		Threshold:   threshold,
		Scope:       in.Scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Duration(in.DurationHours) * time.Hour),
	}
	if err := e.store.CreateProposal(ctx, &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// CastVote verifies eligibility, expiry, timestamp freshness and the vote
// signature, then upserts
// the vote and recomputes the proposal status. A repeat vote by the same
// signer replaces the earlier one while the proposal is active.
func (e *Engine) CastVote(ctx context.Context, proposalID uint64, voterID string, decision Decision, signature string, timestampMs int64) (Proposal, error) {
	if !decision.Valid() {
		return Proposal{}, fmt.Errorf("%w: unknown decision %q", ErrValidation, decision)
	}

	p, err := e.store.Proposal(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != StatusActive {
		return Proposal{}, fmt.Errorf("%w: proposal is %s", ErrAlreadyTerminal, p.Status)
	}

	signer, err := e.signers.Signer(ctx, voterID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Proposal{}, fmt.Errorf("%w: unknown signer %q", ErrNotEligible, voterID)
		}
		return Proposal{}, err
	}
	if !Eligible(p.Scope, strings.ToLower(signer.Role)) {
		return Proposal{}, fmt.Errorf("%w: role %q outside scope %q", ErrNotEligible, signer.Role, p.Scope)
	}

	now := e.now().UTC()
	if now.After(p.ExpiresAt) {
		// Lazy terminal transition; a concurrent sweep may have won already.
		if err := e.store.TransitionStatus(ctx, p.ID, StatusActive, StatusRejected); err != nil && !errors.Is(err, ErrConflict) {
			return Proposal{}, err
		}
		return Proposal{}, ErrExpired
	}

	if drift := now.Sub(time.UnixMilli(timestampMs)); drift > voteTimestampSkew || drift < -voteTimestampSkew {
		return Proposal{}, fmt.Errorf("%w: vote timestamp drifts %s from server time", ErrValidation, drift.Round(time.Second))
	}

	if err := VerifyVoteSignature(proposalID, decision, timestampMs, signature, signer.Address); err != nil {
		return Proposal{}, err
	}

	vote := Vote{
		ProposalID: proposalID,
		VoterID:    voterID,
		Decision:   decision,
		Signature:  signature,
		Timestamp:  timestampMs,
		CastAt:     now,
	}
	if err := e.store.UpsertVote(ctx, &vote); err != nil {
		return Proposal{}, err
	}
	return e.recompute(ctx, p)
}

// recompute derives the proposal status from the current vote set. The
// result is a function of the set only, independent of arrival order.
func (e *Engine) recompute(ctx context.Context, p Proposal) (Proposal, error) {
	votes, err := e.store.Votes(ctx, p.ID)
	if err != nil {
		return Proposal{}, err
	}
	eligible, err := e.signers.EligibleCount(ctx, p.Scope)
	if err != nil {
		return Proposal{}, err
	}

	tally := TallyVotes(votes)
	next := tally.Outcome(p.Threshold, eligible)
	if next != StatusActive {
		if err := e.store.TransitionStatus(ctx, p.ID, StatusActive, next); err != nil && !errors.Is(err, ErrConflict) {
			return Proposal{}, err
		}
	}
	return e.store.Proposal(ctx, p.ID)
}

// ExpireStale rejects every active proposal whose deadline has passed
// without reaching threshold. Safe to call repeatedly; already-terminal
// proposals are untouched. Returns the number of proposals expired.
func (e *Engine) ExpireStale(ctx context.Context) (int, error) {
	active, err := e.store.ProposalsByStatus(ctx, StatusActive)
	if err != nil {
		return 0, err
	}
	now := e.now().UTC()
	expired := 0
	for _, p := range active {
		if !now.After(p.ExpiresAt) {
			continue
		}
		if p.Approvals >= p.Threshold {
			// Reached quorum before expiry but the transition lost a race;
			// let recompute settle it instead of rejecting.
			if _, err := e.recompute(ctx, p); err != nil {
				return expired, err
			}
			continue
		}
		err := e.store.TransitionStatus(ctx, p.ID, StatusActive, StatusRejected)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrConflict):
			// Another sweep or vote settled it first.
		default:
			return expired, err
		}
	}
	return expired, nil
}

// MarkExecuted transitions a passed proposal to executed once on-chain
// execution has been confirmed. Idempotent for already-executed proposals.
func (e *Engine) MarkExecuted(ctx context.Context, proposalID uint64) error {
	err := e.store.TransitionStatus(ctx, proposalID, StatusPassed, StatusExecuted)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) {
		p, perr := e.store.Proposal(ctx, proposalID)
		if perr != nil {
			return perr
		}
		if p.Status == StatusExecuted {
			return nil
		}
		return fmt.Errorf("%w: cannot execute proposal in status %s", ErrConflict, p.Status)
	}
	return err
}

// Read passthroughs so callers need only the engine, not the store.

func (e *Engine) Proposal(ctx context.Context, id uint64) (Proposal, error) {
	return e.store.Proposal(ctx, id)
}

func (e *Engine) Proposals(ctx context.Context) ([]Proposal, error) {
	return e.store.Proposals(ctx)
}

func (e *Engine) ProposalsByStatus(ctx context.Context, status Status) ([]Proposal, error) {
	return e.store.ProposalsByStatus(ctx, status)
}

func (e *Engine) Votes(ctx context.Context, proposalID uint64) ([]Vote, error) {
	return e.store.Votes(ctx, proposalID)
}

// Tally is the count of current decisions on a proposal.
type Tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
}

// TallyVotes folds a vote set into counts. Votes are unique per voter by
// store contract, so the fold is commutative and idempotent.
func TallyVotes(votes []Vote) Tally {
	var t Tally
	for _, v := range votes {
		switch v.Decision {
		case DecisionApprove:
			t.Approvals++
		case DecisionReject:
			t.Rejections++
		}
	}
	return t
}

// Outcome applies the transition rule: passed once approvals reach the
// threshold; rejected once enough rejections make the threshold unreachable
// within the eligible population.
func (t Tally) Outcome(threshold, eligible int) Status {
	if t.Approvals >= threshold {
		return StatusPassed
	}
	if t.Rejections > eligible-threshold {
		return StatusRejected
	}
	return StatusActive
}
