package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bbsns.org/internal/bridge"
	"bbsns.org/internal/chain"
	"bbsns.org/internal/governance"
	"bbsns.org/internal/obs"
	"bbsns.org/internal/signing"
	"bbsns.org/internal/stream"
)

// ReadyProbe pings the backing database for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

const (
	defaultRateBurst     = 20
	defaultRatePerSecond = 10
	maxRequestBody       = 1 << 20
)

// API is the HTTP layer over the governance engine, the signing broker and
// the on-chain bridge.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	engine  *governance.Engine
	signers governance.SignerDirectory
	broker  *signing.Broker
	bridge  *bridge.Bridge
	chain   chain.MultiSigClient
	stream  *stream.Stream

	contract common.Address

	rateBurst     int
	ratePerSecond int
}

// Options carries the wired components for New.
type Options struct {
	Ready    ReadyProbe
	Version  string
	Engine   *governance.Engine
	Signers  governance.SignerDirectory
	Broker   *signing.Broker
	Bridge   *bridge.Bridge
	Chain    chain.MultiSigClient
	Stream   *stream.Stream
	Contract common.Address

	// RateBurst and RatePerSecond tune the per-client token bucket;
	// zero values fall back to the service defaults.
	RateBurst     int
	RatePerSecond int
}

func New(opts Options) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: opts.Ready,
		version:    opts.Version,
		engine:     opts.Engine,
		signers:    opts.Signers,
		broker:     opts.Broker,
		bridge:     opts.Bridge,
		chain:      opts.Chain,
		stream:     opts.Stream,
		contract:   opts.Contract,

		rateBurst:     opts.RateBurst,
		ratePerSecond: opts.RatePerSecond,
	}
	if a.rateBurst <= 0 {
		a.rateBurst = defaultRateBurst
	}
	if a.ratePerSecond <= 0 {
		a.ratePerSecond = defaultRatePerSecond
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// governance proposals
	a.mux.HandleFunc("/api/governance/proposals", a.handleProposalsCollection)
	a.mux.HandleFunc("/api/governance/proposals/", a.handleProposalResource)
	a.mux.HandleFunc("/api/governance/alerts/count", a.handleAlertsCount)
	a.mux.HandleFunc("/api/governance/expire", a.handleExpire)

	// remote signing sessions
	a.mux.HandleFunc("/api/governance/remote/vote/session", a.handleVoteSessionInit)
	a.mux.HandleFunc("/api/governance/remote/vote/status/", a.handleVoteSessionStatus)
	a.mux.HandleFunc("/api/governance/remote/vote/authorize/", a.handleVoteSessionAuthorize)
	a.mux.HandleFunc("/auth/remote/session", a.handleLoginSessionInit)
	a.mux.HandleFunc("/auth/remote/status/", a.handleLoginSessionStatus)
	a.mux.HandleFunc("/auth/remote/authorize/", a.handleLoginSessionAuthorize)

	// multi-sig mirror
	a.mux.HandleFunc("/api/governance/multisig/settings", a.handleMultisigSettings)
	a.mux.HandleFunc("/api/governance/multisig/transactions", a.handleMultisigTransactions)
	a.mux.HandleFunc("/api/governance/multisig/transactions/", a.handleMultisigTransactionResource)

	// live events
	a.mux.HandleFunc("/api/governance/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with the full middleware stack. RequestID sits
// outside logging and rate limiting so their output carries the identifier;
// CORS sits outside auth so preflights never need a token.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, maxRequestBody)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "bbsns-governance",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "bbsns-governance",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps sentinel errors onto HTTP status codes.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		locked   *bridge.TimelockActiveError
		relayErr *bridge.RelayError
	)
	switch {
	case errors.Is(err, governance.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, governance.ErrNotEligible):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, governance.ErrNotFound), errors.Is(err, signing.ErrNotFound),
		errors.Is(err, chain.ErrTxNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, governance.ErrExpired), errors.Is(err, signing.ErrExpired),
		errors.Is(err, governance.ErrAlreadyTerminal), errors.Is(err, signing.ErrAlreadyTerminal),
		errors.Is(err, governance.ErrConflict),
		errors.Is(err, bridge.ErrNotPassed), errors.Is(err, bridge.ErrAlreadySubmitted),
		errors.Is(err, bridge.ErrNotSubmitted), errors.Is(err, bridge.ErrAlreadyExecuted),
		errors.Is(err, bridge.ErrQuorumNotMet):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, governance.ErrInvalidSignature), errors.Is(err, bridge.ErrBadSignature):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &locked):
		writeError(w, r, http.StatusLocked, err.Error())
	case errors.As(err, &relayErr):
		obs.RelayFailures.WithLabelValues(relayErr.Op).Inc()
		writeError(w, r, http.StatusBadGateway, "on-chain relay failed")
	case errors.Is(err, chain.ErrRelay):
		obs.RelayFailures.WithLabelValues("relay").Inc()
		writeError(w, r, http.StatusBadGateway, "on-chain relay failed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
