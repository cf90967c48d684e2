package governance

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const voteMessageHeader = "BBSNS Governance Vote"

// VoteMessage builds the canonical personal-sign message binding a vote to
// its proposal, decision and timestamp. Any change here breaks every wallet
// already signing this layout.
func VoteMessage(proposalID uint64, decision Decision, timestampMs int64) string {
	return fmt.Sprintf("%s\nProposal ID: %d\nDecision: %s\nTimestamp: %d",
		voteMessageHeader, proposalID, decision, timestampMs)
}

// RecoverVoteSigner recovers the wallet address that produced an EIP-191
// personal signature over the canonical vote message.
func RecoverVoteSigner(proposalID uint64, decision Decision, timestampMs int64, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, crypto.SignatureLength)
	}
	// Wallets return V as 27/28; go-ethereum expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	digest := accounts.TextHash([]byte(VoteMessage(proposalID, decision, timestampMs)))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyVoteSignature checks the signature against the voter's on-record
// address. Comparison is case-insensitive on the hex form.
func VerifyVoteSignature(proposalID uint64, decision Decision, timestampMs int64, signature, address string) error {
	recovered, err := RecoverVoteSigner(proposalID, decision, timestampMs, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(recovered.Hex(), common.HexToAddress(address).Hex()) {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, recovered.Hex(), address)
	}
	return nil
}
