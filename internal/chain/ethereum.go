package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// walletABI covers the slice of the multi-sig contract the bridge touches.
const walletABI = `[
	{"name":"threshold","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"getOwners","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"address[]"}]},
	{"name":"timelockDelay","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"signerVersion","type":"function","stateMutability":"view","inputs":[{"type":"address"}],"outputs":[{"type":"uint256"}]},
	{"name":"transactionCount","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint256"}]},
	{"name":"transactions","type":"function","stateMutability":"view","inputs":[{"type":"uint256"}],"outputs":[{"type":"address"},{"type":"uint256"},{"type":"bytes"},{"type":"bool"},{"type":"uint256"},{"type":"uint256"}]},
	{"name":"submitTransaction","type":"function","stateMutability":"nonpayable","inputs":[{"type":"address"},{"type":"uint256"},{"type":"bytes"}],"outputs":[{"type":"uint256"}]},
	{"name":"confirmTransactionFor","type":"function","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"address"},{"type":"bytes"}],"outputs":[]},
	{"name":"revokeConfirmationFor","type":"function","stateMutability":"nonpayable","inputs":[{"type":"uint256"},{"type":"address"},{"type":"bytes"}],"outputs":[]},
	{"name":"executeTransaction","type":"function","stateMutability":"nonpayable","inputs":[{"type":"uint256"}],"outputs":[]},
	{"name":"getConfirmationCount","type":"function","stateMutability":"view","inputs":[{"type":"uint256"}],"outputs":[{"type":"uint256"}]},
	{"name":"Submission","type":"event","inputs":[{"name":"transactionId","type":"uint256","indexed":true}]}
]`

const receiptPollInterval = time.Second

// EthereumClient implements MultiSigClient over JSON-RPC, relaying writes
// through a funded relayer account so wallet users never pay gas.
type EthereumClient struct {
	client     *ethclient.Client
	contract   common.Address
	wallet     abi.ABI
	chainID    *big.Int
	relayerKey *ecdsa.PrivateKey
	relayer    common.Address
}

var _ MultiSigClient = (*EthereumClient)(nil)

// DialEthereum connects to the RPC endpoint and verifies the chain ID.
func DialEthereum(ctx context.Context, rpcURL string, contract common.Address, chainID uint64, relayerKeyHex string) (*EthereumClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	networkID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if chainID != 0 && networkID.Uint64() != chainID {
		return nil, fmt.Errorf("chain id mismatch: expected %d, got %d", chainID, networkID.Uint64())
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(relayerKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse relayer key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(walletABI))
	if err != nil {
		return nil, fmt.Errorf("parse wallet abi: %w", err)
	}
	return &EthereumClient{
		client:     client,
		contract:   contract,
		wallet:     parsed,
		chainID:    networkID,
		relayerKey: key,
		relayer:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (e *EthereumClient) Close() { e.client.Close() }

func (e *EthereumClient) Settings(ctx context.Context) (Settings, error) {
	var s Settings

	out, err := e.call(ctx, "threshold")
	if err != nil {
		return Settings{}, err
	}
	s.Threshold = int(out[0].(*big.Int).Int64())

	out, err = e.call(ctx, "getOwners")
	if err != nil {
		return Settings{}, err
	}
	s.Owners = out[0].([]common.Address)

	out, err = e.call(ctx, "timelockDelay")
	if err != nil {
		return Settings{}, err
	}
	s.TimelockDelay = time.Duration(out[0].(*big.Int).Int64()) * time.Second

	return s, nil
}

func (e *EthereumClient) Transaction(ctx context.Context, index uint64) (MultiSigTransaction, error) {
	out, err := e.call(ctx, "transactions", new(big.Int).SetUint64(index))
	if err != nil {
		return MultiSigTransaction{}, err
	}
	tx := MultiSigTransaction{
		Index:          index,
		Destination:    out[0].(common.Address),
		Value:          out[1].(*big.Int),
		Data:           out[2].([]byte),
		Executed:       out[3].(bool),
		SubmissionTime: time.Unix(out[4].(*big.Int).Int64(), 0).UTC(),
	}
	if tx.Destination == (common.Address{}) && tx.SubmissionTime.Unix() == 0 {
		return MultiSigTransaction{}, ErrTxNotFound
	}
	conf, err := e.call(ctx, "getConfirmationCount", new(big.Int).SetUint64(index))
	if err != nil {
		return MultiSigTransaction{}, err
	}
	tx.Confirmations = int(conf[0].(*big.Int).Int64())
	return tx, nil
}

func (e *EthereumClient) TransactionCount(ctx context.Context) (uint64, error) {
	out, err := e.call(ctx, "transactionCount")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (e *EthereumClient) SubmitTransaction(ctx context.Context, destination common.Address, value *big.Int, data []byte) (uint64, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	receipt, err := e.send(ctx, "submitTransaction", destination, value, data)
	if err != nil {
		return 0, err
	}
	submissionID := e.wallet.Events["Submission"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 2 && lg.Topics[0] == submissionID {
			return new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(), nil
		}
	}
	return 0, fmt.Errorf("%w: submission event missing from receipt %s", ErrRelay, receipt.TxHash)
}

func (e *EthereumClient) ConfirmTransaction(ctx context.Context, index uint64, signer common.Address, signature []byte) error {
	_, err := e.send(ctx, "confirmTransactionFor", new(big.Int).SetUint64(index), signer, signature)
	return err
}

func (e *EthereumClient) RevokeConfirmation(ctx context.Context, index uint64, signer common.Address, signature []byte) error {
	_, err := e.send(ctx, "revokeConfirmationFor", new(big.Int).SetUint64(index), signer, signature)
	return err
}

func (e *EthereumClient) ExecuteTransaction(ctx context.Context, index uint64) error {
	_, err := e.send(ctx, "executeTransaction", new(big.Int).SetUint64(index))
	return err
}

func (e *EthereumClient) SignerVersion(ctx context.Context, signer common.Address) (uint64, error) {
	out, err := e.call(ctx, "signerVersion", signer)
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (e *EthereumClient) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := e.wallet.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	raw, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRelay, method, err)
	}
	out, err := e.wallet.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// send signs a relayer transaction for the method and waits for its receipt.
func (e *EthereumClient) send(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	data, err := e.wallet.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	nonce, err := e.client.PendingNonceAt(ctx, e.relayer)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrRelay, err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrRelay, err)
	}
	gasLimit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From: e.relayer, To: &e.contract, Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s reverted in estimation: %v", ErrRelay, method, err)
	}

	tx := types.NewTransaction(nonce, e.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.relayerKey)
	if err != nil {
		return nil, fmt.Errorf("sign relay tx: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: send: %v", ErrRelay, err)
	}
	return e.waitMined(ctx, signed.Hash())
}

func (e *EthereumClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("%w: tx %s reverted", ErrRelay, hash)
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt: %v", ErrRelay, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
