package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"bbsns.org/internal/auth"
	"bbsns.org/internal/governance"
	"bbsns.org/internal/obs"
	"bbsns.org/internal/signing"
	"bbsns.org/internal/stream"
)

const loginTokenTTL = 24 * time.Hour

type voteSessionRequest struct {
	ProposalID uint64 `json:"proposal_id"`
	Decision   string `json:"decision"`
}

type sessionCreatedResponse struct {
	SessionID  string    `json:"session_id"`
	SigningURL string    `json:"signing_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type voteAuthorizeRequest struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type loginSessionRequest struct {
	DeviceID string `json:"device_id"`
}

type loginAuthorizeRequest struct {
	UserID    string `json:"user_id"`
	Signature string `json:"signature"`
}

// voteRef packs what the authorize callback needs into the session ref.
func voteRef(proposalID uint64, decision governance.Decision, voterID string) string {
	return fmt.Sprintf("%d|%s|%s", proposalID, decision, voterID)
}

func parseVoteRef(ref string) (proposalID uint64, decision governance.Decision, voterID string, err error) {
	parts := strings.SplitN(ref, "|", 3)
	if len(parts) != 3 {
		return 0, "", "", fmt.Errorf("malformed session ref")
	}
	proposalID, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("malformed session ref")
	}
	return proposalID, governance.Decision(parts[1]), parts[2], nil
}

// LoginMessage is the personal-sign payload the wallet signs to prove
// control of its key during remote login.
func LoginMessage(sessionID, deviceID string) string {
	return fmt.Sprintf("BBSNS Remote Login\nSession: %s\nDevice: %s", sessionID, deviceID)
}

func recoverPersonalSigner(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("malformed signature")
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature does not verify")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// --- vote sessions ---

func (a *API) handleVoteSessionInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req voteSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	voter, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	decision := governance.Decision(req.Decision)
	if !decision.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown decision")
		return
	}
	// Refuse sessions for proposals that cannot accept this vote anyway.
	p, err := a.engine.Proposal(r.Context(), req.ProposalID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if p.Status != governance.StatusActive {
		writeError(w, r, http.StatusConflict, "proposal is "+string(p.Status))
		return
	}

	s, err := a.broker.InitSession(r.Context(), signing.PurposeVote, voteRef(req.ProposalID, decision, voter))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.audit(r.Context(), "signing.session.init", map[string]any{
		"purpose":     string(s.Purpose),
		"proposal_id": req.ProposalID,
	})
	writeJSON(w, http.StatusCreated, sessionCreatedResponse{
		SessionID:  s.ID,
		SigningURL: a.broker.SigningURL(s),
		ExpiresAt:  s.ExpiresAt,
	})
}

func (a *API) handleVoteSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/governance/remote/vote/status/")
	s, err := a.broker.PollStatus(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	resp := map[string]any{"status": string(s.Status)}
	if s.Reason != "" {
		resp["reason"] = s.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVoteSessionAuthorize is the wallet-side callback: it verifies the
// vote signature by actually casting the vote, then closes the session.
func (a *API) handleVoteSessionAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/governance/remote/vote/authorize/")
	var req voteAuthorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	s, err := a.broker.PollStatus(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if s.Status != signing.StatusPending {
		handleDomainError(w, r, signing.ErrAlreadyTerminal)
		return
	}
	proposalID, decision, voter, err := parseVoteRef(s.Ref)
	if err != nil {
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}

	before, err := a.engine.Proposal(r.Context(), proposalID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	p, err := a.engine.CastVote(r.Context(), proposalID, voter, decision, req.Signature, req.Timestamp)
	if err != nil {
		_, _ = a.broker.Fail(r.Context(), id, err.Error())
		obs.SessionsTerminal.WithLabelValues(string(s.Purpose), string(signing.StatusFailed)).Inc()
		handleDomainError(w, r, err)
		return
	}

	signer, _ := a.signers.Signer(r.Context(), voter)
	done, err := a.broker.Authorize(r.Context(), id, signing.Result{
		Wallet:    signer.Address,
		Signature: req.Signature,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.VotesCast.WithLabelValues(string(decision)).Inc()
	obs.SessionsTerminal.WithLabelValues(string(s.Purpose), string(done.Status)).Inc()
	a.publish(stream.Event{Type: stream.EventSessionAuthorized, ProposalID: proposalID, Actor: voter})
	a.publish(stream.Event{Type: stream.EventVoteCast, ProposalID: proposalID, Actor: voter})
	if p.Status != before.Status {
		obs.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
		a.publish(stream.Event{Type: stream.EventStatusChanged, ProposalID: proposalID, Status: string(p.Status)})
	}
	a.audit(r.Context(), "signing.session.authorize", map[string]any{
		"purpose":     string(s.Purpose),
		"proposal_id": proposalID,
		"status":      string(p.Status),
	})
	writeJSON(w, http.StatusOK, p)
}

// --- login sessions ---

func (a *API) handleLoginSessionInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	device := strings.TrimSpace(req.DeviceID)
	if device == "" {
		writeError(w, r, http.StatusBadRequest, "device_id is required")
		return
	}

	s, err := a.broker.InitSession(r.Context(), signing.PurposeLogin, device)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionCreatedResponse{
		SessionID:  s.ID,
		SigningURL: a.broker.SigningURL(s),
		ExpiresAt:  s.ExpiresAt,
	})
}

func (a *API) handleLoginSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/auth/remote/status/")
	s, err := a.broker.PollStatus(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	resp := map[string]any{"status": string(s.Status)}
	if s.Status == signing.StatusAuthorized && s.Result != nil {
		resp["token"] = s.Result.Token
		resp["wallet"] = s.Result.Wallet
	}
	if s.Reason != "" {
		resp["reason"] = s.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLoginSessionAuthorize verifies the device's wallet signature against
// the signer directory and parks a JWT in the session for the poller.
func (a *API) handleLoginSessionAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/auth/remote/authorize/")
	var req loginAuthorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}

	s, err := a.broker.PollStatus(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if s.Status != signing.StatusPending {
		handleDomainError(w, r, signing.ErrAlreadyTerminal)
		return
	}

	signer, err := a.signers.Signer(r.Context(), userID)
	if err != nil {
		writeError(w, r, http.StatusForbidden, "unknown signer")
		return
	}
	recovered, err := recoverPersonalSigner(LoginMessage(s.ID, s.Ref), req.Signature)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if !strings.EqualFold(recovered.Hex(), common.HexToAddress(signer.Address).Hex()) {
		_, _ = a.broker.Fail(r.Context(), id, "signature does not match registered wallet")
		obs.SessionsTerminal.WithLabelValues(string(s.Purpose), string(signing.StatusFailed)).Inc()
		writeError(w, r, http.StatusUnprocessableEntity, "signature does not match registered wallet")
		return
	}

	token, err := auth.GenerateToken(userID, signer.Address, []string{signer.Role}, loginTokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	done, err := a.broker.Authorize(r.Context(), id, signing.Result{
		Wallet:    signer.Address,
		Signature: req.Signature,
		Token:     token,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.SessionsTerminal.WithLabelValues(string(s.Purpose), string(done.Status)).Inc()
	a.audit(r.Context(), "auth.remote.login", map[string]any{
		"user_id": userID,
		"wallet":  strings.ToLower(signer.Address),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": string(done.Status)})
}
