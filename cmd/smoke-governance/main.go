// Smoke test against a running dev deployment: creates a proposal, casts
// two signed admin votes and checks the proposal passes. Requires the dev
// signer seed and the deployment's BBSNS_AUTH_SECRET in the environment.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"bbsns.org/internal/auth"
	"bbsns.org/internal/governance"
)

// First two Hardhat dev accounts, matching the dev signer seed.
var devSigners = []struct {
	id  string
	key string
}{
	{"dev-admin-1", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"},
	{"dev-admin-2", "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"},
}

func main() {
	base := os.Getenv("BBSNS_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	var p governance.Proposal
	mustCall(http.MethodPost, base+"/api/governance/proposals", devSigners[0], map[string]any{
		"type":                "ban_account",
		"title":               fmt.Sprintf("smoke %d", time.Now().Unix()),
		"target_id":           "smoke-target",
		"participation_scope": "admin",
		"duration_hours":      1,
	}, http.StatusCreated, &p)
	fmt.Printf("created proposal %d (threshold %d)\n", p.ID, p.Threshold)
	if p.Threshold > len(devSigners) {
		log.Fatalf("threshold %d exceeds dev signer count", p.Threshold)
	}

	for i := 0; i < p.Threshold; i++ {
		ts := time.Now().UnixMilli()
		mustCall(http.MethodPost, fmt.Sprintf("%s/api/governance/proposals/%d/vote", base, p.ID), devSigners[i], map[string]any{
			"decision":  "approve",
			"signature": signVote(devSigners[i].key, p.ID, ts),
			"timestamp": ts,
		}, http.StatusOK, &p)
	}

	if p.Status != governance.StatusPassed {
		log.Fatalf("expected passed after %d approvals, got %s", p.Threshold, p.Status)
	}
	fmt.Printf("governance smoke test passed: proposal=%d status=%s\n", p.ID, p.Status)
}

func signVote(keyHex string, proposalID uint64, ts int64) string {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		log.Fatalf("parse key: %v", err)
	}
	digest := accounts.TextHash([]byte(governance.VoteMessage(proposalID, governance.DecisionApprove, ts)))
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		log.Fatalf("sign vote: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

func mustCall(method, url string, as struct{ id, key string }, body any, wantStatus int, out any) {
	key, err := crypto.HexToECDSA(as.key)
	if err != nil {
		log.Fatalf("parse key: %v", err)
	}
	token, err := auth.GenerateToken(as.id, crypto.PubkeyToAddress(key.PublicKey).Hex(), []string{"admin"}, 5*time.Minute)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("encode body: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: got %d, want %d: %s", method, url, resp.StatusCode, wantStatus, buf.String())
	}
	if out != nil {
		if err := json.Unmarshal(buf.Bytes(), out); err != nil {
			log.Fatalf("decode response: %v", err)
		}
	}
}
