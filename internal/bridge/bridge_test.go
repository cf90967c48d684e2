package bridge

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"

	"bbsns.org/internal/chain"
	"bbsns.org/internal/governance"
)

const testChainID = int64(1337)

var (
	targetAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	walletAddr = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

// fakeChain implements chain.MultiSigClient in memory.
type fakeChain struct {
	settings chain.Settings
	txs      map[uint64]*chain.MultiSigTransaction
	next     uint64
	versions map[common.Address]uint64
	now      func() time.Time

	confirmed map[uint64][]common.Address
}

var _ chain.MultiSigClient = (*fakeChain)(nil)

func newFakeChain(threshold int, delay time.Duration, now func() time.Time) *fakeChain {
	return &fakeChain{
		settings:  chain.Settings{Threshold: threshold, TimelockDelay: delay},
		txs:       make(map[uint64]*chain.MultiSigTransaction),
		versions:  make(map[common.Address]uint64),
		now:       now,
		confirmed: make(map[uint64][]common.Address),
	}
}

func (f *fakeChain) Settings(ctx context.Context) (chain.Settings, error) {
	return f.settings, nil
}

func (f *fakeChain) Transaction(ctx context.Context, index uint64) (chain.MultiSigTransaction, error) {
	tx, ok := f.txs[index]
	if !ok {
		return chain.MultiSigTransaction{}, chain.ErrTxNotFound
	}
	cp := *tx
	cp.Confirmations = len(f.confirmed[index])
	return cp, nil
}

func (f *fakeChain) TransactionCount(ctx context.Context) (uint64, error) {
	return f.next, nil
}

func (f *fakeChain) SubmitTransaction(ctx context.Context, destination common.Address, value *big.Int, data []byte) (uint64, error) {
	index := f.next
	f.next++
	f.txs[index] = &chain.MultiSigTransaction{
		Index:          index,
		Destination:    destination,
		Value:          value,
		Data:           data,
		SubmissionTime: f.now().UTC(),
	}
	return index, nil
}

func (f *fakeChain) ConfirmTransaction(ctx context.Context, index uint64, signer common.Address, signature []byte) error {
	f.confirmed[index] = append(f.confirmed[index], signer)
	return nil
}

func (f *fakeChain) RevokeConfirmation(ctx context.Context, index uint64, signer common.Address, signature []byte) error {
	kept := f.confirmed[index][:0]
	for _, s := range f.confirmed[index] {
		if s != signer {
			kept = append(kept, s)
		}
	}
	f.confirmed[index] = kept
	return nil
}

func (f *fakeChain) ExecuteTransaction(ctx context.Context, index uint64) error {
	f.txs[index].Executed = true
	return nil
}

func (f *fakeChain) SignerVersion(ctx context.Context, signer common.Address) (uint64, error) {
	return f.versions[signer], nil
}

type bridgeFixture struct {
	bridge *Bridge
	store  *governance.InMemory
	chain  *fakeChain
	clock  *time.Time
}

func newBridgeFixture(t *testing.T, threshold int, delay time.Duration) *bridgeFixture {
	t.Helper()
	now := time.Unix(1000, 0).UTC()
	clock := &now
	tick := func() time.Time { return *clock }

	store := governance.NewInMemory()
	fc := newFakeChain(threshold, delay, tick)
	engine := governance.NewEngine(store, governance.NewStaticDirectory(nil), chain.SettingsThreshold{Client: fc},
		governance.WithClock(tick))
	b := New(store, fc, engine, targetAddr, walletAddr, testChainID, WithClock(tick))
	return &bridgeFixture{bridge: b, store: store, chain: fc, clock: clock}
}

// passedProposal seeds a proposal already through the vote stage.
func (f *bridgeFixture) passedProposal(t *testing.T, typ governance.Type, target string) governance.Proposal {
	t.Helper()
	p := governance.Proposal{
		Type: typ, Title: "Test", TargetID: target, ProposerID: "admin-1",
		Status: governance.StatusActive, Threshold: 2, Scope: governance.ScopeAdmin,
		CreatedAt: *f.clock, ExpiresAt: f.clock.Add(24 * time.Hour),
	}
	ctx := context.Background()
	require.NoError(t, f.store.CreateProposal(ctx, &p))
	require.NoError(t, f.store.TransitionStatus(ctx, p.ID, governance.StatusActive, governance.StatusPassed))
	p.Status = governance.StatusPassed
	return p
}

func signTyped(t *testing.T, key *ecdsa.PrivateKey, td apitypes.TypedData) string {
	t.Helper()
	digest, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func TestPrepareSubmissionRequiresPassed(t *testing.T) {
	f := newBridgeFixture(t, 2, time.Hour)
	ctx := context.Background()

	p := governance.Proposal{
		Type: governance.TypeBanAccount, Title: "Ban", TargetID: "user-1",
		ProposerID: "admin-1", Status: governance.StatusActive, Threshold: 2,
		Scope: governance.ScopeAdmin, CreatedAt: *f.clock, ExpiresAt: f.clock.Add(time.Hour),
	}
	require.NoError(t, f.store.CreateProposal(ctx, &p))

	_, err := f.bridge.PrepareSubmission(ctx, p.ID)
	require.ErrorIs(t, err, ErrNotPassed)
}

func TestRelaySubmissionRecordsIndex(t *testing.T) {
	f := newBridgeFixture(t, 2, time.Hour)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")

	index, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(0), index)

	got, err := f.store.Proposal(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OnChainTxIndex)
	require.Equal(t, index, *got.OnChainTxIndex)
	require.NotNil(t, got.OnChainSubmissionTime)

	// The queued payload decodes back to the proposal's operation.
	tx, err := f.chain.Transaction(ctx, index)
	require.NoError(t, err)
	op := DecodeOperation(tx.Data)
	require.Equal(t, OpBanAccount, op.Kind)
	require.Equal(t, "user-1", op.Target)

	// Double submission is refused.
	_, err = f.bridge.RelaySubmission(ctx, p.ID)
	require.ErrorIs(t, err, ErrAlreadySubmitted)
}

func TestSubmitSignedRoundTrip(t *testing.T) {
	f := newBridgeFixture(t, 1, 0)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	td, err := f.bridge.PrepareSubmissionTypedData(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Submission", td.PrimaryType)

	index, err := f.bridge.SubmitSigned(ctx, p.ID, signer, signTyped(t, key, td))
	require.NoError(t, err)
	require.Equal(t, uint64(0), index)

	// A signature from a different key is refused before any relay.
	p2 := f.passedProposal(t, governance.TypeBanAccount, "user-2")
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	td2, err := f.bridge.PrepareSubmissionTypedData(ctx, p2.ID)
	require.NoError(t, err)
	_, err = f.bridge.SubmitSigned(ctx, p2.ID, signer, signTyped(t, otherKey, td2))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestExecuteByIndexForeignTransaction(t *testing.T) {
	f := newBridgeFixture(t, 1, 0)
	ctx := context.Background()

	// Queued by someone else, no mirrored proposal.
	index, err := f.chain.SubmitTransaction(ctx, targetAddr, nil, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	f.chain.confirmed[index] = []common.Address{{1}}

	require.NoError(t, f.bridge.ExecuteByIndex(ctx, index))
	tx, err := f.chain.Transaction(ctx, index)
	require.NoError(t, err)
	require.True(t, tx.Executed)

	require.ErrorIs(t, f.bridge.ExecuteByIndex(ctx, index), ErrAlreadyExecuted)
}

func TestConfirmationRoundTrip(t *testing.T) {
	f := newBridgeFixture(t, 1, 0)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeChangeThreshold, "3")

	index, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	td, err := f.bridge.PrepareConfirmation(ctx, index, signer)
	require.NoError(t, err)
	require.Equal(t, "Confirmation", td.PrimaryType)
	require.Equal(t, "BBSNS_Protocol", td.Domain.Name)

	sig := signTyped(t, key, td)
	require.NoError(t, f.bridge.RelayConfirmation(ctx, index, signer, sig))

	tx, err := f.chain.Transaction(ctx, index)
	require.NoError(t, err)
	require.Equal(t, 1, tx.Confirmations)
}

func TestConfirmationRejectsWrongSigner(t *testing.T) {
	f := newBridgeFixture(t, 1, 0)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")
	index, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	td, err := f.bridge.PrepareConfirmation(ctx, index, signer)
	require.NoError(t, err)

	err = f.bridge.RelayConfirmation(ctx, index, signer, signTyped(t, otherKey, td))
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestConfirmationBindsSignerVersion(t *testing.T) {
	f := newBridgeFixture(t, 1, 0)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")
	index, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	td, err := f.bridge.PrepareConfirmation(ctx, index, signer)
	require.NoError(t, err)
	sig := signTyped(t, key, td)

	// A signer-set change bumps the version; the stale signature dies.
	f.chain.versions[signer] = 1
	err = f.bridge.RelayConfirmation(ctx, index, signer, sig)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestExecuteTimelockScenario(t *testing.T) {
	// Submission at T=1000 with a 3600s delay: blocked at T=1500 with 3100s
	// remaining, executable at T=4700.
	f := newBridgeFixture(t, 1, 3600*time.Second)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")

	index, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)
	f.chain.confirmed[index] = []common.Address{{1}}

	*f.clock = time.Unix(1500, 0).UTC()
	err = f.bridge.Execute(ctx, p.ID)
	var locked *TimelockActiveError
	require.ErrorAs(t, err, &locked)
	require.Equal(t, 3100*time.Second, locked.Remaining)

	*f.clock = time.Unix(4700, 0).UTC()
	require.NoError(t, f.bridge.Execute(ctx, p.ID))

	got, err := f.store.Proposal(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, governance.StatusExecuted, got.Status)
	require.True(t, got.OnChainExecuted)
}

func TestExecuteRequiresQuorum(t *testing.T) {
	f := newBridgeFixture(t, 2, 0)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")

	_, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)

	err = f.bridge.Execute(ctx, p.ID)
	require.ErrorIs(t, err, ErrQuorumNotMet)
}

func TestExecuteWithoutSubmission(t *testing.T) {
	f := newBridgeFixture(t, 1, 0)
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")
	require.ErrorIs(t, f.bridge.Execute(context.Background(), p.ID), ErrNotSubmitted)
}

func TestRevokeAfterExecution(t *testing.T) {
	f := newBridgeFixture(t, 1, 0)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")

	index, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)
	f.chain.confirmed[index] = []common.Address{{1}}
	require.NoError(t, f.bridge.Execute(ctx, p.ID))

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)
	err = f.bridge.Revoke(ctx, index, signer, "0x00")
	require.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestRefreshTransactionMirror(t *testing.T) {
	f := newBridgeFixture(t, 2, 0)
	ctx := context.Background()
	p := f.passedProposal(t, governance.TypeBanAccount, "user-1")

	index, err := f.bridge.RelaySubmission(ctx, p.ID)
	require.NoError(t, err)
	f.chain.confirmed[index] = []common.Address{{1}}

	got, err := f.bridge.RefreshTransactionMirror(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.OnChainConfirmations)
	require.False(t, got.OnChainExecuted)
	// Mirror refresh alone never advances the status.
	require.Equal(t, governance.StatusPassed, got.Status)
}

func TestEncodeOperationVariants(t *testing.T) {
	cases := []struct {
		typ    governance.Type
		target string
		kind   OperationKind
		want   string
	}{
		{governance.TypeAddSigner, "0x00000000000000000000000000000000000000aa", OpAddSigner, common.HexToAddress("0xaa").Hex()},
		{governance.TypeRemoveSigner, "0x00000000000000000000000000000000000000bb", OpRemoveSigner, common.HexToAddress("0xbb").Hex()},
		{governance.TypeChangeThreshold, "3", OpChangeThreshold, "3"},
		{governance.TypeBanAccount, "user-1", OpBanAccount, "user-1"},
		{governance.TypeUnbanAccount, "user-2", OpUnbanAccount, "user-2"},
		{governance.TypeSystemUpgrade, "v2.1.0", OpSystemUpgrade, "v2.1.0"},
		{governance.TypeCustom, "arbitrary", OpCustom, "arbitrary"},
	}
	for _, c := range cases {
		data, err := EncodeOperation(governance.Proposal{Type: c.typ, TargetID: c.target})
		require.NoError(t, err, string(c.typ))
		op := DecodeOperation(data)
		require.Equal(t, c.kind, op.Kind, string(c.typ))
		require.Equal(t, c.want, op.Target, string(c.typ))
	}

	_, err := EncodeOperation(governance.Proposal{Type: governance.TypeAddSigner, TargetID: "not-an-address"})
	require.Error(t, err)
	_, err = EncodeOperation(governance.Proposal{Type: governance.TypeChangeThreshold, TargetID: "three"})
	require.Error(t, err)
}

func TestDecodeOperationUnknownFallback(t *testing.T) {
	require.Equal(t, OpUnknown, DecodeOperation(nil).Kind)
	require.Equal(t, OpUnknown, DecodeOperation([]byte{0x01, 0x02}).Kind)
	require.Equal(t, OpUnknown, DecodeOperation([]byte{0xde, 0xad, 0xbe, 0xef, 0x00}).Kind)
}
