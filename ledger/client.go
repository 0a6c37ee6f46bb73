package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// NonceMode selects which transaction count an account nonce query reflects.
type NonceMode int

const (
	// NonceConfirmed counts only mined transactions.
	NonceConfirmed NonceMode = iota
	// NoncePending includes transactions still in the pending pool.
	NoncePending
)

// Backend is the subset of the Ethereum RPC surface the client depends on.
// *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Receipt reports the terminal on-chain state of a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
}

// Client is a stateless wrapper over the registry contract RPC endpoint. It
// performs no retries; retry policy belongs to the Submitter.
type Client struct {
	backend  Backend
	contract common.Address
	abi      abi.ABI
}

// Dial connects to the RPC endpoint and binds the registry contract address.
func Dial(endpoint string, contract common.Address) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	backend, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, &NetworkError{Op: "dial rpc", Err: err}
	}
	return NewClient(backend, contract)
}

// NewClient wraps an existing backend, binding the registry contract address.
func NewClient(backend Backend, contract common.Address) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if (contract == common.Address{}) {
		return nil, fmt.Errorf("ledger: contract address required")
	}
	parsed, err := parseCertABI()
	if err != nil {
		return nil, err
	}
	return &Client{backend: backend, contract: contract, abi: parsed}, nil
}

// Contract returns the bound registry contract address.
func (c *Client) Contract() common.Address { return c.contract }

// Height returns the current chain head block number.
func (c *Client) Height(ctx context.Context) (uint64, error) {
	height, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, &NetworkError{Op: "fetch block number", Err: err}
	}
	return height, nil
}

// Nonce returns the transaction count for the account under the given mode.
func (c *Client) Nonce(ctx context.Context, account common.Address, mode NonceMode) (uint64, error) {
	var (
		nonce uint64
		err   error
	)
	switch mode {
	case NoncePending:
		nonce, err = c.backend.PendingNonceAt(ctx, account)
	default:
		nonce, err = c.backend.NonceAt(ctx, account, nil)
	}
	if err != nil {
		return 0, &NetworkError{Op: "fetch nonce", Err: err}
	}
	return nonce, nil
}

// BaseFee returns the node's suggested gas price.
func (c *Client) BaseFee(ctx context.Context) (*big.Int, error) {
	fee, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &NetworkError{Op: "fetch base fee", Err: err}
	}
	if fee == nil || fee.Sign() <= 0 {
		return nil, &ProtocolError{Op: "fetch base fee", Err: fmt.Errorf("node returned %v", fee)}
	}
	return fee, nil
}

// Submit broadcasts a signed transaction. Nonce races with an outstanding
// transaction surface as ContentionError.
func (c *Client) Submit(ctx context.Context, tx *gethtypes.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, fmt.Errorf("ledger: transaction required")
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, classifySubmitError(err)
	}
	return tx.Hash(), nil
}

// Receipt fetches the receipt for a transaction. ErrNotFound means the
// transaction has not been mined yet.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, &NetworkError{Op: "fetch receipt", Err: err}
	}
	if receipt == nil {
		return Receipt{}, ErrNotFound
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return Receipt{
		TxHash:      txHash,
		BlockNumber: block,
		Success:     receipt.Status == gethtypes.ReceiptStatusSuccessful,
	}, nil
}

// PackIssue encodes an issueCertificate call.
func (c *Client) PackIssue(contentHash [32]byte, cid string) ([]byte, error) {
	data, err := c.abi.Pack("issueCertificate", contentHash, cid)
	if err != nil {
		return nil, &ProtocolError{Op: "pack issueCertificate", Err: err}
	}
	return data, nil
}

// PackRevoke encodes a revokeCertificate call.
func (c *Client) PackRevoke(contentHash [32]byte) ([]byte, error) {
	data, err := c.abi.Pack("revokeCertificate", contentHash)
	if err != nil {
		return nil, &ProtocolError{Op: "pack revokeCertificate", Err: err}
	}
	return data, nil
}

// GetCertificate performs the read-only getCertificate lookup.
func (c *Client) GetCertificate(ctx context.Context, contentHash [32]byte) (CertificateState, error) {
	data, err := c.abi.Pack("getCertificate", contentHash)
	if err != nil {
		return CertificateState{}, &ProtocolError{Op: "pack getCertificate", Err: err}
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return CertificateState{}, &NetworkError{Op: "call getCertificate", Err: err}
	}
	values, err := c.abi.Unpack("getCertificate", raw)
	if err != nil {
		return CertificateState{}, &ProtocolError{Op: "decode getCertificate", Err: err}
	}
	if len(values) != 3 {
		return CertificateState{}, &ProtocolError{Op: "decode getCertificate", Err: fmt.Errorf("want 3 fields, got %d", len(values))}
	}
	cid, ok := values[0].(string)
	if !ok {
		return CertificateState{}, &ProtocolError{Op: "decode getCertificate", Err: fmt.Errorf("cid field has type %T", values[0])}
	}
	issuedAt, ok := values[1].(*big.Int)
	if !ok || issuedAt == nil {
		return CertificateState{}, &ProtocolError{Op: "decode getCertificate", Err: fmt.Errorf("issuedAt field has type %T", values[1])}
	}
	revoked, ok := values[2].(bool)
	if !ok {
		return CertificateState{}, &ProtocolError{Op: "decode getCertificate", Err: fmt.Errorf("revoked field has type %T", values[2])}
	}
	return CertificateState{
		CID:      cid,
		IssuedAt: time.Unix(issuedAt.Int64(), 0).UTC(),
		Revoked:  revoked,
	}, nil
}

// IssuedEvents returns every Issued event in [from, to], ordered by block
// then log index. A fetch failure fails the whole call; partial results are
// never returned.
func (c *Client) IssuedEvents(ctx context.Context, from, to uint64) ([]IssuedEvent, error) {
	logs, err := c.filterLogs(ctx, EventIssued, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]IssuedEvent, 0, len(logs))
	for _, entry := range logs {
		decoded, err := decodeIssued(c.abi, entry)
		if err != nil {
			return nil, err
		}
		events = append(events, decoded)
	}
	return events, nil
}

// RevokedEvents returns every Revoked event in [from, to] in chain order.
func (c *Client) RevokedEvents(ctx context.Context, from, to uint64) ([]RevokedEvent, error) {
	logs, err := c.filterLogs(ctx, EventRevoked, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]RevokedEvent, 0, len(logs))
	for _, entry := range logs {
		decoded, err := decodeRevoked(c.abi, entry)
		if err != nil {
			return nil, err
		}
		events = append(events, decoded)
	}
	return events, nil
}

func (c *Client) filterLogs(ctx context.Context, event string, from, to uint64) ([]gethtypes.Log, error) {
	spec, ok := c.abi.Events[event]
	if !ok {
		return nil, &ProtocolError{Op: "filter logs", Err: fmt.Errorf("unknown event %q", event)}
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{spec.ID}},
	}
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, &NetworkError{Op: fmt.Sprintf("filter %s logs", event), Err: err}
	}
	filtered := logs[:0]
	for _, entry := range logs {
		if entry.Removed {
			continue
		}
		filtered = append(filtered, entry)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].BlockNumber != filtered[j].BlockNumber {
			return filtered[i].BlockNumber < filtered[j].BlockNumber
		}
		return filtered[i].Index < filtered[j].Index
	})
	return filtered, nil
}
