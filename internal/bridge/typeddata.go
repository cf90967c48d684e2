package bridge

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"bbsns.org/internal/governance"
)

const (
	domainName    = "BBSNS_Protocol"
	domainVersion = "1"
)

// ConfirmationTypedData builds the EIP-712 payload a signer approves to
// confirm a queued multi-sig transaction. Binding signerVersion invalidates
// confirmations signed before a signer-set change.
func ConfirmationTypedData(chainID int64, contract common.Address, txIndex, signerVersion uint64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Confirmation": {
				{Name: "txIndex", Type: "uint256"},
				{Name: "signerVersion", Type: "uint256"},
			},
		},
		PrimaryType: "Confirmation",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: contract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"txIndex":       new(big.Int).SetUint64(txIndex),
			"signerVersion": new(big.Int).SetUint64(signerVersion),
		},
	}
}

// SubmissionTypedData builds the EIP-712 payload a proposer approves to
// queue an operation. The wallet nonce prevents replaying the approval for
// a different queue position.
func SubmissionTypedData(chainID int64, contract, to common.Address, value *big.Int, data []byte, nonce uint64) apitypes.TypedData {
	if value == nil {
		value = big.NewInt(0)
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Submission": {
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "Submission",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: contract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":    to.Hex(),
			"value": value,
			"data":  hexutil.Encode(data),
			"nonce": new(big.Int).SetUint64(nonce),
		},
	}
}

// RecoverTypedDataSigner recovers the address behind an EIP-712 signature.
func RecoverTypedDataSigner(td apitypes.TypedData, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Address{}, fmt.Errorf("hash typed data: %w", err)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyTypedDataSignature checks an EIP-712 signature against the expected
// signer address.
func VerifyTypedDataSignature(td apitypes.TypedData, signature string, signer common.Address) error {
	recovered, err := RecoverTypedDataSigner(td, signature)
	if err != nil {
		return err
	}
	if recovered != signer {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrBadSignature, recovered.Hex(), signer.Hex())
	}
	return nil
}

// operationsABI is the governance target contract surface; proposal types
// map one-to-one onto these methods.
const operationsABI = `[
	{"name":"addSigner","type":"function","inputs":[{"type":"address"}],"outputs":[]},
	{"name":"removeSigner","type":"function","inputs":[{"type":"address"}],"outputs":[]},
	{"name":"changeThreshold","type":"function","inputs":[{"type":"uint256"}],"outputs":[]},
	{"name":"banAccount","type":"function","inputs":[{"type":"string"}],"outputs":[]},
	{"name":"unbanAccount","type":"function","inputs":[{"type":"string"}],"outputs":[]},
	{"name":"systemUpgrade","type":"function","inputs":[{"type":"string"}],"outputs":[]},
	{"name":"custom","type":"function","inputs":[{"type":"string"}],"outputs":[]}
]`

var operations = mustParseABI(operationsABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

var typeToMethod = map[governance.Type]string{
	governance.TypeAddSigner:       "addSigner",
	governance.TypeRemoveSigner:    "removeSigner",
	governance.TypeChangeThreshold: "changeThreshold",
	governance.TypeBanAccount:      "banAccount",
	governance.TypeUnbanAccount:    "unbanAccount",
	governance.TypeSystemUpgrade:   "systemUpgrade",
	governance.TypeCustom:          "custom",
}

// EncodeOperation packs a passed proposal into calldata for the governance
// target contract.
func EncodeOperation(p governance.Proposal) ([]byte, error) {
	method, ok := typeToMethod[p.Type]
	if !ok {
		return nil, fmt.Errorf("bridge: no operation for proposal type %q", p.Type)
	}
	switch p.Type {
	case governance.TypeAddSigner, governance.TypeRemoveSigner:
		if !common.IsHexAddress(p.TargetID) {
			return nil, fmt.Errorf("bridge: %s target %q is not an address", p.Type, p.TargetID)
		}
		return operations.Pack(method, common.HexToAddress(p.TargetID))
	case governance.TypeChangeThreshold:
		n, err := strconv.ParseUint(p.TargetID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bridge: %s target %q is not an integer", p.Type, p.TargetID)
		}
		return operations.Pack(method, new(big.Int).SetUint64(n))
	default:
		return operations.Pack(method, p.TargetID)
	}
}

// OperationKind tags a decoded multi-sig payload.
type OperationKind string

const (
	OpAddSigner       OperationKind = "add_signer"
	OpRemoveSigner    OperationKind = "remove_signer"
	OpChangeThreshold OperationKind = "change_threshold"
	OpBanAccount      OperationKind = "ban_account"
	OpUnbanAccount    OperationKind = "unban_account"
	OpSystemUpgrade   OperationKind = "system_upgrade"
	OpCustom          OperationKind = "custom"
	// OpUnknown covers payloads queued outside this service; they relay and
	// execute fine, we just cannot describe them.
	OpUnknown OperationKind = "unknown"
)

var methodToKind = map[string]OperationKind{
	"addSigner":       OpAddSigner,
	"removeSigner":    OpRemoveSigner,
	"changeThreshold": OpChangeThreshold,
	"banAccount":      OpBanAccount,
	"unbanAccount":    OpUnbanAccount,
	"systemUpgrade":   OpSystemUpgrade,
	"custom":          OpCustom,
}

// Operation is the decoded view of a multi-sig transaction payload.
type Operation struct {
	Kind   OperationKind `json:"kind"`
	Target string        `json:"target,omitempty"`
}

// DecodeOperation inspects calldata by selector. Unrecognized payloads come
// back as OpUnknown rather than an error.
func DecodeOperation(data []byte) Operation {
	if len(data) < 4 {
		return Operation{Kind: OpUnknown}
	}
	method, err := operations.MethodById(data[:4])
	if err != nil {
		return Operation{Kind: OpUnknown}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 1 {
		return Operation{Kind: OpUnknown}
	}
	op := Operation{Kind: methodToKind[method.Name]}
	switch v := args[0].(type) {
	case common.Address:
		op.Target = v.Hex()
	case *big.Int:
		op.Target = v.String()
	case string:
		op.Target = v
	}
	return op
}
