package httpapi

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"bbsns.org/internal/auth"
	"bbsns.org/internal/bridge"
	"bbsns.org/internal/chain"
	"bbsns.org/internal/governance"
	"bbsns.org/internal/signing"
	"bbsns.org/internal/stream"
)

// stubChain is a minimal MultiSigClient for API tests.
type stubChain struct {
	settings chain.Settings
	txs      map[uint64]*chain.MultiSigTransaction
	next     uint64
}

func newStubChain(threshold int) *stubChain {
	return &stubChain{
		settings: chain.Settings{Threshold: threshold},
		txs:      make(map[uint64]*chain.MultiSigTransaction),
	}
}

func (s *stubChain) Settings(ctx context.Context) (chain.Settings, error) { return s.settings, nil }

func (s *stubChain) Transaction(ctx context.Context, index uint64) (chain.MultiSigTransaction, error) {
	tx, ok := s.txs[index]
	if !ok {
		return chain.MultiSigTransaction{}, chain.ErrTxNotFound
	}
	return *tx, nil
}

func (s *stubChain) TransactionCount(ctx context.Context) (uint64, error) { return s.next, nil }

func (s *stubChain) SubmitTransaction(ctx context.Context, destination common.Address, value *big.Int, data []byte) (uint64, error) {
	index := s.next
	s.next++
	s.txs[index] = &chain.MultiSigTransaction{
		Index: index, Destination: destination, Value: value, Data: data,
		SubmissionTime: time.Now().UTC(),
	}
	return index, nil
}

func (s *stubChain) ConfirmTransaction(ctx context.Context, index uint64, signer common.Address, signature []byte) error {
	s.txs[index].Confirmations++
	return nil
}

func (s *stubChain) RevokeConfirmation(ctx context.Context, index uint64, signer common.Address, signature []byte) error {
	s.txs[index].Confirmations--
	return nil
}

func (s *stubChain) ExecuteTransaction(ctx context.Context, index uint64) error {
	s.txs[index].Executed = true
	return nil
}

func (s *stubChain) SignerVersion(ctx context.Context, signer common.Address) (uint64, error) {
	return 0, nil
}

type apiSigner struct {
	id   string
	key  *ecdsa.PrivateKey
	role string
}

func (s apiSigner) address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s apiSigner) token(t *testing.T) string {
	t.Helper()
	token, err := auth.GenerateToken(s.id, s.address(), []string{s.role}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

func (s apiSigner) signVote(t *testing.T, proposalID uint64, decision governance.Decision, ts int64) string {
	t.Helper()
	digest := accounts.TextHash([]byte(governance.VoteMessage(proposalID, decision, ts)))
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

type apiEnv struct {
	server  *httptest.Server
	signers []apiSigner
	chain   *stubChain
	store   *governance.InMemory
}

func newAPIEnv(t *testing.T, threshold int, roles ...string) *apiEnv {
	t.Helper()
	t.Setenv("BBSNS_AUTH_SECRET", "handlers-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	store := governance.NewInMemory()
	dir := governance.NewStaticDirectory(nil)
	var signers []apiSigner
	for i, role := range roles {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		s := apiSigner{id: fmt.Sprintf("signer-%d", i), key: key, role: role}
		signers = append(signers, s)
		dir.Put(governance.Signer{ID: s.id, Address: s.address(), Role: role})
	}

	sc := newStubChain(threshold)
	engine := governance.NewEngine(store, dir, chain.SettingsThreshold{Client: sc})
	broker := signing.NewBroker(signing.NewMemoryStore(), "https://app.test",
		signing.WithPollInterval(time.Millisecond))
	contract := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	target := common.HexToAddress("0x00000000000000000000000000000000000000c2")
	br := bridge.New(store, sc, engine, target, contract, 1337)

	api := New(Options{
		Version:  "test",
		Engine:   engine,
		Signers:  dir,
		Broker:   broker,
		Bridge:   br,
		Chain:    sc,
		Stream:   stream.New(),
		Contract: contract,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{server: srv, signers: signers, chain: sc, store: store}
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func decodeBody(t *testing.T, raw []byte, dst any) {
	t.Helper()
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode response %s: %v", raw, err)
	}
}

func TestAuthGating(t *testing.T) {
	e := newAPIEnv(t, 2, "admin")

	resp, _ := e.do(t, http.MethodGet, "/api/governance/proposals", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: got %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodGet, "/api/governance/proposals", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: got %d", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be public: got %d", resp.StatusCode)
	}
}

func TestProposalVotePassFlow(t *testing.T) {
	e := newAPIEnv(t, 2, "admin", "admin", "admin")
	tokenA := e.signers[0].token(t)

	resp, raw := e.do(t, http.MethodPost, "/api/governance/proposals", tokenA, map[string]any{
		"type":                "ban_account",
		"title":               "Ban compromised notary",
		"target_id":           "user-77",
		"participation_scope": "admin",
		"duration_hours":      24,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d: %s", resp.StatusCode, raw)
	}
	var p governance.Proposal
	decodeBody(t, raw, &p)
	if p.Status != governance.StatusActive || p.Threshold != 2 {
		t.Fatalf("unexpected proposal: %+v", p)
	}

	vote := func(s apiSigner, decision governance.Decision) governance.Proposal {
		ts := time.Now().UnixMilli()
		resp, raw := e.do(t, http.MethodPost, fmt.Sprintf("/api/governance/proposals/%d/vote", p.ID), s.token(t), map[string]any{
			"decision":  string(decision),
			"signature": s.signVote(t, p.ID, decision, ts),
			"timestamp": ts,
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("vote by %s: got %d: %s", s.id, resp.StatusCode, raw)
		}
		var out governance.Proposal
		decodeBody(t, raw, &out)
		return out
	}

	got := vote(e.signers[0], governance.DecisionApprove)
	if got.Status != governance.StatusActive || got.Approvals != 1 {
		t.Fatalf("after first vote: %+v", got)
	}
	got = vote(e.signers[1], governance.DecisionApprove)
	if got.Status != governance.StatusPassed || got.Approvals != 2 {
		t.Fatalf("after second vote: %+v", got)
	}

	// Detail view carries the vote set.
	resp, raw = e.do(t, http.MethodGet, fmt.Sprintf("/api/governance/proposals/%d", p.ID), tokenA, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail: got %d", resp.StatusCode)
	}
	var detail proposalDetailResponse
	decodeBody(t, raw, &detail)
	if len(detail.Votes) != 2 {
		t.Fatalf("expected 2 votes, got %d", len(detail.Votes))
	}

	// Terminal proposal refuses further votes.
	ts := time.Now().UnixMilli()
	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/governance/proposals/%d/vote", p.ID), e.signers[2].token(t), map[string]any{
		"decision":  "reject",
		"signature": e.signers[2].signVote(t, p.ID, governance.DecisionReject, ts),
		"timestamp": ts,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("vote on passed proposal: got %d", resp.StatusCode)
	}
}

func TestVoteWithForgedSignatureRejected(t *testing.T) {
	e := newAPIEnv(t, 2, "admin", "admin")
	token := e.signers[0].token(t)

	resp, raw := e.do(t, http.MethodPost, "/api/governance/proposals", token, map[string]any{
		"type": "ban_account", "title": "Ban", "target_id": "user-1",
		"participation_scope": "admin", "duration_hours": 24,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d", resp.StatusCode)
	}
	var p governance.Proposal
	decodeBody(t, raw, &p)

	ts := time.Now().UnixMilli()
	// signer-1 signs, signer-0 submits.
	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/api/governance/proposals/%d/vote", p.ID), token, map[string]any{
		"decision":  "approve",
		"signature": e.signers[1].signVote(t, p.ID, governance.DecisionApprove, ts),
		"timestamp": ts,
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("forged vote: got %d", resp.StatusCode)
	}
}

func TestAlertsCount(t *testing.T) {
	e := newAPIEnv(t, 2, "admin")
	token := e.signers[0].token(t)

	resp, raw := e.do(t, http.MethodGet, "/api/governance/alerts/count", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alerts count: got %d", resp.StatusCode)
	}
	var out map[string]int
	decodeBody(t, raw, &out)
	if out["count"] != 0 {
		t.Fatalf("expected 0, got %d", out["count"])
	}

	e.do(t, http.MethodPost, "/api/governance/proposals", token, map[string]any{
		"type": "ban_account", "title": "Ban", "target_id": "user-1",
		"participation_scope": "admin", "duration_hours": 24,
	})
	_, raw = e.do(t, http.MethodGet, "/api/governance/alerts/count", token, nil)
	decodeBody(t, raw, &out)
	if out["count"] != 1 {
		t.Fatalf("expected 1, got %d", out["count"])
	}
}

func TestExpireRequiresAdminRole(t *testing.T) {
	e := newAPIEnv(t, 2, "admin", "notary")

	resp, _ := e.do(t, http.MethodPost, "/api/governance/expire", e.signers[1].token(t), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("notary expire: got %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodPost, "/api/governance/expire", e.signers[0].token(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin expire: got %d", resp.StatusCode)
	}
}

func TestRemoteVoteSessionFlow(t *testing.T) {
	e := newAPIEnv(t, 2, "admin", "admin")
	token := e.signers[0].token(t)

	resp, raw := e.do(t, http.MethodPost, "/api/governance/proposals", token, map[string]any{
		"type": "ban_account", "title": "Ban", "target_id": "user-1",
		"participation_scope": "admin", "duration_hours": 24,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: got %d", resp.StatusCode)
	}
	var p governance.Proposal
	decodeBody(t, raw, &p)

	resp, raw = e.do(t, http.MethodPost, "/api/governance/remote/vote/session", token, map[string]any{
		"proposal_id": p.ID,
		"decision":    "approve",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("session init: got %d: %s", resp.StatusCode, raw)
	}
	var created sessionCreatedResponse
	decodeBody(t, raw, &created)
	if created.SessionID == "" || created.SigningURL == "" {
		t.Fatalf("incomplete session response: %+v", created)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/governance/remote/vote/status/"+created.SessionID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var status map[string]any
	decodeBody(t, raw, &status)
	if status["status"] != "pending" {
		t.Fatalf("expected pending, got %v", status["status"])
	}

	// Wallet-side authorize is public: no bearer token.
	ts := time.Now().UnixMilli()
	resp, raw = e.do(t, http.MethodPost, "/api/governance/remote/vote/authorize/"+created.SessionID, "", map[string]any{
		"signature": e.signers[0].signVote(t, p.ID, governance.DecisionApprove, ts),
		"timestamp": ts,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorize: got %d: %s", resp.StatusCode, raw)
	}

	_, raw = e.do(t, http.MethodGet, "/api/governance/remote/vote/status/"+created.SessionID, token, nil)
	decodeBody(t, raw, &status)
	if status["status"] != "authorized" {
		t.Fatalf("expected authorized, got %v", status["status"])
	}

	// The vote actually landed.
	got, err := e.store.Proposal(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Proposal: %v", err)
	}
	if got.Approvals != 1 {
		t.Fatalf("vote not recorded: %+v", got)
	}

	// Replayed authorize reports the closed session.
	resp, _ = e.do(t, http.MethodPost, "/api/governance/remote/vote/authorize/"+created.SessionID, "", map[string]any{
		"signature": e.signers[0].signVote(t, p.ID, governance.DecisionApprove, ts),
		"timestamp": ts,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("replayed authorize: got %d", resp.StatusCode)
	}
}

func TestRemoteLoginFlow(t *testing.T) {
	e := newAPIEnv(t, 2, "admin")
	s := e.signers[0]

	resp, raw := e.do(t, http.MethodPost, "/auth/remote/session", "", map[string]any{
		"device_id": "device-9",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("login session: got %d", resp.StatusCode)
	}
	var created sessionCreatedResponse
	decodeBody(t, raw, &created)

	digest := accounts.TextHash([]byte(LoginMessage(created.SessionID, "device-9")))
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	resp, raw = e.do(t, http.MethodPost, "/auth/remote/authorize/"+created.SessionID, "", map[string]any{
		"user_id":   s.id,
		"signature": hexutil.Encode(sig),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login authorize: got %d: %s", resp.StatusCode, raw)
	}

	resp, raw = e.do(t, http.MethodGet, "/auth/remote/status/"+created.SessionID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status: got %d", resp.StatusCode)
	}
	var status map[string]any
	decodeBody(t, raw, &status)
	if status["status"] != "authorized" {
		t.Fatalf("expected authorized, got %v", status["status"])
	}
	token, _ := status["token"].(string)
	if token == "" {
		t.Fatal("expected a token in the authorized status")
	}

	// The issued token works against protected routes.
	resp, _ = e.do(t, http.MethodGet, "/api/governance/proposals", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("issued token rejected: got %d", resp.StatusCode)
	}
}

func TestMultisigSettingsAndTransactions(t *testing.T) {
	e := newAPIEnv(t, 2, "admin")
	token := e.signers[0].token(t)

	resp, raw := e.do(t, http.MethodGet, "/api/governance/multisig/settings", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings: got %d", resp.StatusCode)
	}
	var settings map[string]any
	decodeBody(t, raw, &settings)
	if settings["threshold"].(float64) != 2 {
		t.Fatalf("unexpected settings: %v", settings)
	}

	resp, raw = e.do(t, http.MethodGet, "/api/governance/multisig/transactions", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transactions: got %d", resp.StatusCode)
	}
	var list multisigTransactionsResponse
	decodeBody(t, raw, &list)
	if len(list.Transactions) != 0 {
		t.Fatalf("expected empty wallet, got %+v", list.Transactions)
	}
}
