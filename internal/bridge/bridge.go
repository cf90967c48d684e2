package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"bbsns.org/internal/chain"
	"bbsns.org/internal/governance"
	"bbsns.org/internal/timelock"
)

// ExecutionRecorder closes the loop back into the off-chain state machine
// once on-chain execution is confirmed.
type ExecutionRecorder interface {
	MarkExecuted(ctx context.Context, proposalID uint64) error
}

// Bridge relays passed proposals into the multi-sig wallet contract and
// mirrors their on-chain progress back into the proposal store.
type Bridge struct {
	store    governance.Store
	client   chain.MultiSigClient
	recorder ExecutionRecorder

	target  common.Address // governance operations contract
	wallet  common.Address // multi-sig wallet contract (EIP-712 verifier)
	chainID int64
	now     func() time.Time
}

// Option configures Bridge behavior.
type Option func(*Bridge)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.now = fn
		}
	}
}

// New constructs the on-chain bridge.
func New(store governance.Store, client chain.MultiSigClient, recorder ExecutionRecorder, target, wallet common.Address, chainID int64, opts ...Option) *Bridge {
	b := &Bridge{
		store:    store,
		client:   client,
		recorder: recorder,
		target:   target,
		wallet:   wallet,
		chainID:  chainID,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubmissionPlan describes the transaction about to be queued, for display
// and signing ahead of the relay.
type SubmissionPlan struct {
	ProposalID  uint64         `json:"proposal_id"`
	Destination common.Address `json:"destination"`
	Data        []byte         `json:"data"`
	Operation   Operation      `json:"operation"`
}

// PrepareSubmission validates that a proposal is ready for on-chain
// submission and returns the payload that will be queued.
func (b *Bridge) PrepareSubmission(ctx context.Context, proposalID uint64) (SubmissionPlan, error) {
	p, err := b.store.Proposal(ctx, proposalID)
	if err != nil {
		return SubmissionPlan{}, err
	}
	if p.Status != governance.StatusPassed {
		return SubmissionPlan{}, fmt.Errorf("%w: status is %s", ErrNotPassed, p.Status)
	}
	if p.OnChainTxIndex != nil {
		return SubmissionPlan{}, fmt.Errorf("%w: tx index %d", ErrAlreadySubmitted, *p.OnChainTxIndex)
	}
	data, err := EncodeOperation(p)
	if err != nil {
		return SubmissionPlan{}, err
	}
	return SubmissionPlan{
		ProposalID:  proposalID,
		Destination: b.target,
		Data:        data,
		Operation:   DecodeOperation(data),
	}, nil
}

// RelaySubmission queues the proposal's operation in the multi-sig wallet
// and records the assigned transaction index.
func (b *Bridge) RelaySubmission(ctx context.Context, proposalID uint64) (uint64, error) {
	plan, err := b.PrepareSubmission(ctx, proposalID)
	if err != nil {
		return 0, err
	}
	index, err := b.client.SubmitTransaction(ctx, plan.Destination, nil, plan.Data)
	if err != nil {
		return 0, &RelayError{Op: "submit", Err: err}
	}
	if err := b.store.SetOnChain(ctx, proposalID, index, b.now().UTC()); err != nil {
		return index, err
	}
	return index, nil
}

// PrepareSubmissionTypedData returns the EIP-712 payload the proposer signs
// to approve queueing the operation at the wallet's next index.
func (b *Bridge) PrepareSubmissionTypedData(ctx context.Context, proposalID uint64) (apitypes.TypedData, error) {
	plan, err := b.PrepareSubmission(ctx, proposalID)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	nonce, err := b.client.TransactionCount(ctx)
	if err != nil {
		return apitypes.TypedData{}, &RelayError{Op: "transaction count", Err: err}
	}
	return SubmissionTypedData(b.chainID, b.wallet, plan.Destination, nil, plan.Data, nonce), nil
}

// SubmitSigned verifies the proposer's submission approval and relays it.
func (b *Bridge) SubmitSigned(ctx context.Context, proposalID uint64, signer common.Address, signature string) (uint64, error) {
	td, err := b.PrepareSubmissionTypedData(ctx, proposalID)
	if err != nil {
		return 0, err
	}
	if err := VerifyTypedDataSignature(td, signature, signer); err != nil {
		return 0, err
	}
	return b.RelaySubmission(ctx, proposalID)
}

// PrepareConfirmation builds the EIP-712 payload a signer must approve to
// confirm the transaction at index. The current signer version is bound in.
func (b *Bridge) PrepareConfirmation(ctx context.Context, index uint64, signer common.Address) (apitypes.TypedData, error) {
	version, err := b.client.SignerVersion(ctx, signer)
	if err != nil {
		return apitypes.TypedData{}, &RelayError{Op: "signer version", Err: err}
	}
	return ConfirmationTypedData(b.chainID, b.wallet, index, version), nil
}

// RelayConfirmation verifies the signer's typed-data signature and relays
// the confirmation on their behalf.
func (b *Bridge) RelayConfirmation(ctx context.Context, index uint64, signer common.Address, signature string) error {
	td, err := b.PrepareConfirmation(ctx, index, signer)
	if err != nil {
		return err
	}
	if err := VerifyTypedDataSignature(td, signature, signer); err != nil {
		return err
	}
	sig, _ := decodeSig(signature)
	if err := b.client.ConfirmTransaction(ctx, index, signer, sig); err != nil {
		return &RelayError{Op: "confirm", Err: err}
	}
	return nil
}

// Revoke withdraws a signer's confirmation from a not-yet-executed
// transaction.
func (b *Bridge) Revoke(ctx context.Context, index uint64, signer common.Address, signature string) error {
	tx, err := b.client.Transaction(ctx, index)
	if err != nil {
		return &RelayError{Op: "read tx", Err: err}
	}
	if tx.Executed {
		return ErrAlreadyExecuted
	}
	td, err := b.PrepareConfirmation(ctx, index, signer)
	if err != nil {
		return err
	}
	if err := VerifyTypedDataSignature(td, signature, signer); err != nil {
		return err
	}
	sig, _ := decodeSig(signature)
	if err := b.client.RevokeConfirmation(ctx, index, signer, sig); err != nil {
		return &RelayError{Op: "revoke", Err: err}
	}
	return nil
}

// Execute triggers on-chain execution of a proposal's transaction. The
// timelock is checked before quorum so callers see the blocking delay even
// while confirmations are still trickling in.
func (b *Bridge) Execute(ctx context.Context, proposalID uint64) error {
	_, index, err := b.submittedProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	tx, err := b.client.Transaction(ctx, index)
	if err != nil {
		return &RelayError{Op: "read tx", Err: err}
	}
	if tx.Executed {
		return b.SyncExecution(ctx, proposalID)
	}
	settings, err := b.client.Settings(ctx)
	if err != nil {
		return &RelayError{Op: "read settings", Err: err}
	}
	now := b.now().UTC()
	if timelock.IsLocked(tx.SubmissionTime, settings.TimelockDelay, now, tx.Executed) {
		return &TimelockActiveError{Remaining: timelock.Remaining(tx.SubmissionTime, settings.TimelockDelay, now)}
	}
	if tx.Confirmations < settings.Threshold {
		return fmt.Errorf("%w: %d of %d", ErrQuorumNotMet, tx.Confirmations, settings.Threshold)
	}
	if err := b.client.ExecuteTransaction(ctx, index); err != nil {
		return &RelayError{Op: "execute", Err: err}
	}
	return b.SyncExecution(ctx, proposalID)
}

// RefreshTransactionMirror copies the on-chain confirmation state into the
// proposal record. Called on reads and by the background sync loop.
func (b *Bridge) RefreshTransactionMirror(ctx context.Context, proposalID uint64) (governance.Proposal, error) {
	p, index, err := b.submittedProposal(ctx, proposalID)
	if err != nil {
		return governance.Proposal{}, err
	}
	tx, err := b.client.Transaction(ctx, index)
	if err != nil {
		return governance.Proposal{}, &RelayError{Op: "read tx", Err: err}
	}
	if err := b.store.UpdateMirror(ctx, proposalID, tx.Confirmations, tx.Executed); err != nil {
		return governance.Proposal{}, err
	}
	if tx.Executed && p.Status == governance.StatusPassed {
		if err := b.recorder.MarkExecuted(ctx, proposalID); err != nil {
			return governance.Proposal{}, err
		}
	}
	return b.store.Proposal(ctx, proposalID)
}

// SyncExecution settles a proposal whose transaction has executed on-chain:
// the mirror is refreshed and the off-chain status advances to executed.
func (b *Bridge) SyncExecution(ctx context.Context, proposalID uint64) error {
	_, err := b.RefreshTransactionMirror(ctx, proposalID)
	return err
}

// ExecuteByIndex executes the transaction at a wallet index. When a proposal
// is mirrored to that index the full Execute path runs so off-chain state
// settles too; foreign transactions execute with the same timelock and
// quorum checks but nothing to sync.
func (b *Bridge) ExecuteByIndex(ctx context.Context, index uint64) error {
	if p, ok, err := b.proposalByIndex(ctx, index); err != nil {
		return err
	} else if ok {
		return b.Execute(ctx, p.ID)
	}

	tx, err := b.client.Transaction(ctx, index)
	if err != nil {
		return &RelayError{Op: "read tx", Err: err}
	}
	if tx.Executed {
		return ErrAlreadyExecuted
	}
	settings, err := b.client.Settings(ctx)
	if err != nil {
		return &RelayError{Op: "read settings", Err: err}
	}
	now := b.now().UTC()
	if timelock.IsLocked(tx.SubmissionTime, settings.TimelockDelay, now, tx.Executed) {
		return &TimelockActiveError{Remaining: timelock.Remaining(tx.SubmissionTime, settings.TimelockDelay, now)}
	}
	if tx.Confirmations < settings.Threshold {
		return fmt.Errorf("%w: %d of %d", ErrQuorumNotMet, tx.Confirmations, settings.Threshold)
	}
	if err := b.client.ExecuteTransaction(ctx, index); err != nil {
		return &RelayError{Op: "execute", Err: err}
	}
	return nil
}

func (b *Bridge) proposalByIndex(ctx context.Context, index uint64) (governance.Proposal, bool, error) {
	all, err := b.store.Proposals(ctx)
	if err != nil {
		return governance.Proposal{}, false, err
	}
	for _, p := range all {
		if p.OnChainTxIndex != nil && *p.OnChainTxIndex == index {
			return p, true, nil
		}
	}
	return governance.Proposal{}, false, nil
}

func (b *Bridge) submittedProposal(ctx context.Context, proposalID uint64) (governance.Proposal, uint64, error) {
	p, err := b.store.Proposal(ctx, proposalID)
	if err != nil {
		return governance.Proposal{}, 0, err
	}
	if p.OnChainTxIndex == nil {
		return governance.Proposal{}, 0, ErrNotSubmitted
	}
	return p, *p.OnChainTxIndex, nil
}

func decodeSig(signature string) ([]byte, error) {
	return hexutil.Decode(signature)
}
