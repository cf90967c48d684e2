package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"bbsns.org/internal/auth"
	"bbsns.org/internal/bridge"
	"bbsns.org/internal/chain"
	"bbsns.org/internal/stream"
)

type signatureRequest struct {
	Signature string `json:"signature"`
}

type submitOnChainResponse struct {
	OnChainTxIndex uint64 `json:"on_chain_tx_index"`
}

type multisigTransactionView struct {
	Index          uint64           `json:"index"`
	Destination    string           `json:"destination"`
	Operation      bridge.Operation `json:"operation"`
	Executed       bool             `json:"executed"`
	Confirmations  int              `json:"confirmations"`
	SubmissionTime time.Time        `json:"submission_time"`
}

type multisigTransactionsResponse struct {
	Address       string                    `json:"address"`
	Threshold     int                       `json:"threshold"`
	TimelockDelay int64                     `json:"timelock_delay"`
	Transactions  []multisigTransactionView `json:"transactions"`
}

// callerAddress resolves the signer address bound to the JWT at login.
func callerAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	wallet, ok := auth.WalletFromContext(r.Context())
	if !ok || !common.IsHexAddress(wallet) {
		writeError(w, r, http.StatusForbidden, "no signer address bound to this session")
		return common.Address{}, false
	}
	return common.HexToAddress(wallet), true
}

func (a *API) prepareOnChain(w http.ResponseWriter, r *http.Request, id uint64) {
	td, err := a.bridge.PrepareSubmissionTypedData(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, td)
}

func (a *API) submitOnChain(w http.ResponseWriter, r *http.Request, id uint64) {
	var req signatureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, ok := callerAddress(w, r)
	if !ok {
		return
	}

	index, err := a.bridge.SubmitSigned(r.Context(), id, signer, req.Signature)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	a.publish(stream.Event{Type: stream.EventTxSubmitted, ProposalID: id, TxIndex: &index})
	a.audit(r.Context(), "governance.multisig.submit", map[string]any{
		"proposal_id": id,
		"tx_index":    index,
	})
	writeJSON(w, http.StatusCreated, submitOnChainResponse{OnChainTxIndex: index})
}

func (a *API) executeProposal(w http.ResponseWriter, r *http.Request, id uint64) {
	if err := a.bridge.Execute(r.Context(), id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	p, err := a.engine.Proposal(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.publish(stream.Event{Type: stream.EventTxExecuted, ProposalID: id, Status: string(p.Status), TxIndex: p.OnChainTxIndex})
	a.audit(r.Context(), "governance.proposal.execute", map[string]any{"proposal_id": id})
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleMultisigSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	settings, err := a.chain.Settings(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	owners := make([]string, 0, len(settings.Owners))
	for _, o := range settings.Owners {
		owners = append(owners, o.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":        a.contract.Hex(),
		"threshold":      settings.Threshold,
		"owners":         owners,
		"timelock_delay": int64(settings.TimelockDelay / time.Second),
	})
}

func (a *API) handleMultisigTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ctx := r.Context()
	settings, err := a.chain.Settings(ctx)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	count, err := a.chain.TransactionCount(ctx)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	txs := make([]multisigTransactionView, 0, count)
	for i := uint64(0); i < count; i++ {
		tx, err := a.chain.Transaction(ctx, i)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		txs = append(txs, toTransactionView(tx))
	}
	writeJSON(w, http.StatusOK, multisigTransactionsResponse{
		Address:       a.contract.Hex(),
		Threshold:     settings.Threshold,
		TimelockDelay: int64(settings.TimelockDelay / time.Second),
		Transactions:  txs,
	})
}

func (a *API) handleMultisigTransactionResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/governance/multisig/transactions/")
	idxPart, action, _ := strings.Cut(rest, "/")
	index, err := strconv.ParseUint(idxPart, 10, 64)
	if err != nil || idxPart == "" {
		writeError(w, r, http.StatusNotFound, "transaction not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		tx, err := a.chain.Transaction(r.Context(), index)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toTransactionView(tx))
	case "prepare-confirm":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		signer, ok := callerAddress(w, r)
		if !ok {
			return
		}
		td, err := a.bridge.PrepareConfirmation(r.Context(), index, signer)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, td)
	case "confirm":
		a.relayConfirmation(w, r, index)
	case "revoke":
		a.relayRevocation(w, r, index)
	case "execute":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if err := a.bridge.ExecuteByIndex(r.Context(), index); err != nil {
			handleDomainError(w, r, err)
			return
		}
		a.publish(stream.Event{Type: stream.EventTxExecuted, TxIndex: &index})
		a.audit(r.Context(), "governance.multisig.execute", map[string]any{"tx_index": index})
		writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) relayConfirmation(w http.ResponseWriter, r *http.Request, index uint64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signatureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, ok := callerAddress(w, r)
	if !ok {
		return
	}
	if err := a.bridge.RelayConfirmation(r.Context(), index, signer, req.Signature); err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.publish(stream.Event{Type: stream.EventTxConfirmed, TxIndex: &index, Actor: signer.Hex()})
	a.audit(r.Context(), "governance.multisig.confirm", map[string]any{
		"tx_index": index,
		"signer":   signer.Hex(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (a *API) relayRevocation(w http.ResponseWriter, r *http.Request, index uint64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signatureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	signer, ok := callerAddress(w, r)
	if !ok {
		return
	}
	if err := a.bridge.Revoke(r.Context(), index, signer, req.Signature); err != nil {
		handleDomainError(w, r, err)
		return
	}
	a.audit(r.Context(), "governance.multisig.revoke", map[string]any{
		"tx_index": index,
		"signer":   signer.Hex(),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func toTransactionView(tx chain.MultiSigTransaction) multisigTransactionView {
	return multisigTransactionView{
		Index:          tx.Index,
		Destination:    tx.Destination.Hex(),
		Operation:      bridge.DecodeOperation(tx.Data),
		Executed:       tx.Executed,
		Confirmations:  tx.Confirmations,
		SubmissionTime: tx.SubmissionTime,
	}
}
