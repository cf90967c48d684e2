package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"bbsns.org/internal/audit"
	"bbsns.org/internal/auth"
	"bbsns.org/internal/governance"
	"bbsns.org/internal/obs"
	"bbsns.org/internal/stream"
)

type createProposalRequest struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	TargetID      string `json:"target_id"`
	Scope         string `json:"participation_scope"`
	DurationHours int    `json:"duration_hours"`
}

type castVoteRequest struct {
	Decision  string `json:"decision"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type proposalDetailResponse struct {
	governance.Proposal
	Votes []governance.Vote `json:"votes"`
}

func (a *API) handleProposalsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listProposals(w, r)
	case http.MethodPost:
		a.createProposal(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) listProposals(w http.ResponseWriter, r *http.Request) {
	var (
		items []governance.Proposal
		err   error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := governance.Status(raw)
		switch status {
		case governance.StatusActive, governance.StatusPassed, governance.StatusRejected, governance.StatusExecuted:
		default:
			writeError(w, r, http.StatusBadRequest, "unknown status filter")
			return
		}
		items, err = a.engine.ProposalsByStatus(r.Context(), status)
	} else {
		items, err = a.engine.Proposals(r.Context())
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createProposal(w http.ResponseWriter, r *http.Request) {
	var req createProposalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	proposer, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	p, err := a.engine.CreateProposal(r.Context(), governance.CreateProposalInput{
		Type:          governance.Type(req.Type),
		Title:         req.Title,
		Description:   req.Description,
		TargetID:      req.TargetID,
		ProposerID:    proposer,
		Scope:         governance.Scope(req.Scope),
		DurationHours: req.DurationHours,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.ProposalsCreated.WithLabelValues(string(p.Type)).Inc()
	a.publish(stream.Event{Type: stream.EventProposalCreated, ProposalID: p.ID, Actor: proposer})
	a.audit(r.Context(), "governance.proposal.create", map[string]any{
		"proposal_id": p.ID,
		"type":        string(p.Type),
		"scope":       string(p.Scope),
		"threshold":   p.Threshold,
	})

	w.Header().Set("Location", "/api/governance/proposals/"+strconv.FormatUint(p.ID, 10))
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) handleProposalResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/governance/proposals/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil || idPart == "" {
		writeError(w, r, http.StatusNotFound, "proposal not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getProposal(w, r, id)
	case "vote":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.castVote(w, r, id)
	case "prepare-on-chain":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.prepareOnChain(w, r, id)
	case "submit-on-chain":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.submitOnChain(w, r, id)
	case "execute":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.executeProposal(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getProposal(w http.ResponseWriter, r *http.Request, id uint64) {
	p, err := a.engine.Proposal(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	// Best-effort mirror refresh for submitted proposals; chain hiccups must
	// not break reads.
	if p.OnChainTxIndex != nil && a.bridge != nil {
		if refreshed, err := a.bridge.RefreshTransactionMirror(r.Context(), id); err == nil {
			p = refreshed
		}
	}
	votes, err := a.engine.Votes(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalDetailResponse{Proposal: p, Votes: votes})
}

func (a *API) castVote(w http.ResponseWriter, r *http.Request, id uint64) {
	var req castVoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	voter, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	before, err := a.engine.Proposal(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	p, err := a.engine.CastVote(r.Context(), id, voter, governance.Decision(req.Decision), req.Signature, req.Timestamp)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	obs.VotesCast.WithLabelValues(req.Decision).Inc()
	a.publish(stream.Event{Type: stream.EventVoteCast, ProposalID: id, Actor: voter})
	if p.Status != before.Status {
		obs.ProposalTransitions.WithLabelValues(string(p.Status)).Inc()
		a.publish(stream.Event{Type: stream.EventStatusChanged, ProposalID: id, Status: string(p.Status)})
	}
	a.audit(r.Context(), "governance.vote.cast", map[string]any{
		"proposal_id": id,
		"decision":    req.Decision,
		"status":      string(p.Status),
	})

	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleAlertsCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.engine.ProposalsByStatus(r.Context(), governance.StatusActive)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": len(items)})
}

func (a *API) handleExpire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, "admin") {
		return
	}
	n, err := a.engine.ExpireStale(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if n > 0 {
		obs.ProposalTransitions.WithLabelValues(string(governance.StatusRejected)).Add(float64(n))
		a.audit(r.Context(), "governance.proposal.expire_sweep", map[string]any{"expired": n})
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (a *API) publish(evt stream.Event) {
	if a.stream != nil {
		a.stream.Publish(evt)
	}
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}
