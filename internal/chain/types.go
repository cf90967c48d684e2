package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTxNotFound = errors.New("chain: transaction not found")
	ErrRelay      = errors.New("chain: relay failed")
)

// Settings mirrors the on-chain governance contract configuration.
type Settings struct {
	Threshold     int              `json:"threshold"`
	Owners        []common.Address `json:"owners"`
	TimelockDelay time.Duration    `json:"timelock_delay"`
}

// MultiSigTransaction is the wallet contract's view of one queued operation.
type MultiSigTransaction struct {
	Index          uint64         `json:"index"`
	Destination    common.Address `json:"destination"`
	Value          *big.Int       `json:"value"`
	Data           []byte         `json:"data"`
	Executed       bool           `json:"executed"`
	Confirmations  int            `json:"confirmations"`
	SubmissionTime time.Time      `json:"submission_time"`
}

// MultiSigClient is the contract surface the bridge depends on. The
// ethereum implementation talks JSON-RPC; tests substitute a fake.
type MultiSigClient interface {
	Settings(ctx context.Context) (Settings, error)
	Transaction(ctx context.Context, index uint64) (MultiSigTransaction, error)
	TransactionCount(ctx context.Context) (uint64, error)
	// SubmitTransaction queues a new operation and returns its index.
	SubmitTransaction(ctx context.Context, destination common.Address, value *big.Int, data []byte) (uint64, error)
	// ConfirmTransaction relays a signer's confirmation, proven by their
	// typed-data signature.
	ConfirmTransaction(ctx context.Context, index uint64, signer common.Address, signature []byte) error
	// RevokeConfirmation withdraws a prior confirmation.
	RevokeConfirmation(ctx context.Context, index uint64, signer common.Address, signature []byte) error
	// ExecuteTransaction triggers execution once quorum and timelock allow.
	ExecuteTransaction(ctx context.Context, index uint64) error
	// SignerVersion is the monotonic counter bumped on every signer-set
	// change; typed-data confirmations bind to it.
	SignerVersion(ctx context.Context, signer common.Address) (uint64, error)
}

// SettingsThreshold adapts a MultiSigClient to the consensus engine's
// settings source.
type SettingsThreshold struct {
	Client MultiSigClient
}

func (s SettingsThreshold) CurrentThreshold(ctx context.Context) (int, error) {
	set, err := s.Client.Settings(ctx)
	if err != nil {
		return 0, err
	}
	return set.Threshold, nil
}
