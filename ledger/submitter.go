package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"blockcreds/observability"
)

// OutcomeStatus is the terminal state of one logical write operation.
type OutcomeStatus string

const (
	// StatusConfirmed means a receipt with success status arrived.
	StatusConfirmed OutcomeStatus = "confirmed"
	// StatusFailedOnChain means the transaction was mined but reverted. The
	// nonce is consumed, so the operation is never retried.
	StatusFailedOnChain OutcomeStatus = "failed_onchain"
	// StatusExhausted means the retry budget was spent without a receipt.
	StatusExhausted OutcomeStatus = "exhausted"
)

// Outcome reports how a logical write operation terminated. TxHash carries
// the last submitted transaction when one exists, so an exhausted operation
// can later be reconciled manually or by the event syncer.
type Outcome struct {
	Status      OutcomeStatus
	TxHash      common.Hash
	BlockNumber uint64
	Nonce       uint64
	Attempts    int
	Fees        FeeQuote
}

// ErrExhausted is wrapped into the error returned to callers that treat an
// exhausted retry budget as a failure.
var ErrExhausted = errors.New("ledger: retry budget exhausted without confirmation")

// SubmitterConfig tunes the retry and confirmation behaviour.
type SubmitterConfig struct {
	ChainID         *big.Int
	GasLimit        uint64
	Retries         int
	ConfirmWait     time.Duration
	PollInterval    time.Duration
	ContentionPause time.Duration
	TransientPause  time.Duration
	Logger          *slog.Logger
}

// Submitter drives a pending registry call to a confirmed-or-failed outcome
// under nonce contention, fee volatility, and transient RPC failures. It
// never mutates the local mirror; callers persist outcomes.
type Submitter struct {
	client *Client
	key    *ecdsa.PrivateKey
	from   common.Address
	cfg    SubmitterConfig
	log    *slog.Logger

	// Serializes nonce acquisition across concurrent logical operations
	// signed by the same identity.
	mu sync.Mutex
}

// NewSubmitter builds a submitter for the signing key.
func NewSubmitter(client *Client, key *ecdsa.PrivateKey, cfg SubmitterConfig) (*Submitter, error) {
	if client == nil {
		return nil, fmt.Errorf("ledger: client required")
	}
	if key == nil {
		return nil, fmt.Errorf("ledger: signing key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 3_000_000
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = 120 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ContentionPause <= 0 {
		cfg.ContentionPause = 5 * time.Second
	}
	if cfg.TransientPause <= 0 {
		cfg.TransientPause = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		client: client,
		key:    key,
		from:   gethcrypto.PubkeyToAddress(key.PublicKey),
		cfg:    cfg,
		log:    logger,
	}, nil
}

// From returns the signing identity address.
func (s *Submitter) From() common.Address { return s.from }

// IssueCertificate anchors a certificate hash and its content identifier.
func (s *Submitter) IssueCertificate(ctx context.Context, contentHash [32]byte, cid string) (Outcome, error) {
	data, err := s.client.PackIssue(contentHash, cid)
	if err != nil {
		return Outcome{}, err
	}
	return s.submit(ctx, "issue", data)
}

// RevokeCertificate marks a certificate hash revoked on chain.
func (s *Submitter) RevokeCertificate(ctx context.Context, contentHash [32]byte) (Outcome, error) {
	data, err := s.client.PackRevoke(contentHash)
	if err != nil {
		return Outcome{}, err
	}
	return s.submit(ctx, "revoke", data)
}

// submit runs the retry/escalation state machine. The nonce is fixed before
// the first attempt and never changes; resubmission under escalated fees is
// a replacement, never a duplicate, so at most one attempt can ever be
// mined.
func (s *Submitter) submit(ctx context.Context, op string, data []byte) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := InitialNonce(ctx, s.client, s.from)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire nonce: %w", err)
	}
	fees, err := InitialFees(ctx, s.client)
	if err != nil {
		return Outcome{}, fmt.Errorf("acquire fees: %w", err)
	}

	contract := s.client.Contract()
	var lastTx common.Hash
	haveTx := false

	for attempt := 1; attempt <= s.cfg.Retries; attempt++ {
		observability.Credd().SubmissionAttempt(op)

		tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: fees.PriorityFee,
			GasFeeCap: fees.MaxFee,
			Gas:       s.cfg.GasLimit,
			To:        &contract,
			Data:      data,
		})
		signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(s.cfg.ChainID), s.key)
		if err != nil {
			return Outcome{}, fmt.Errorf("sign transaction: %w", err)
		}

		txHash, err := s.client.Submit(ctx, signed)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			if IsContention(err) {
				escalated, escErr := Escalate(fees)
				if escErr != nil {
					return Outcome{}, escErr
				}
				fees = escalated
				observability.Credd().FeeEscalation(op)
				s.log.Warn("submission contention, escalating fees",
					"op", op, "attempt", attempt, "nonce", nonce,
					"max_fee", fees.MaxFee.String(), "priority_fee", fees.PriorityFee.String())
				if err := sleepCtx(ctx, s.cfg.ContentionPause); err != nil {
					return Outcome{}, err
				}
				continue
			}
			s.log.Warn("submission failed, retrying", "op", op, "attempt", attempt, "nonce", nonce, "err", err)
			if err := sleepCtx(ctx, s.cfg.TransientPause); err != nil {
				return Outcome{}, err
			}
			continue
		}

		lastTx = txHash
		haveTx = true
		s.log.Info("transaction submitted", "op", op, "attempt", attempt, "nonce", nonce, "tx", txHash.Hex())

		receipt, found, err := s.awaitReceipt(ctx, txHash)
		if err != nil {
			return Outcome{}, err
		}
		if found {
			outcome := Outcome{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber,
				Nonce:       nonce,
				Attempts:    attempt,
				Fees:        fees.Clone(),
			}
			if receipt.Success {
				outcome.Status = StatusConfirmed
				observability.Credd().SubmissionOutcome(op, string(StatusConfirmed))
				s.log.Info("transaction confirmed", "op", op, "tx", txHash.Hex(), "block", receipt.BlockNumber)
				return outcome, nil
			}
			// Reverted on-chain: the nonce is spent, retrying can never
			// succeed for this operation.
			outcome.Status = StatusFailedOnChain
			observability.Credd().SubmissionOutcome(op, string(StatusFailedOnChain))
			s.log.Error("transaction reverted on-chain", "op", op, "tx", txHash.Hex(), "block", receipt.BlockNumber)
			return outcome, nil
		}
		s.log.Warn("confirmation window elapsed without receipt", "op", op, "attempt", attempt, "tx", txHash.Hex())
	}

	outcome := Outcome{
		Status:   StatusExhausted,
		Nonce:    nonce,
		Attempts: s.cfg.Retries,
		Fees:     fees.Clone(),
	}
	if haveTx {
		outcome.TxHash = lastTx
	}
	observability.Credd().SubmissionOutcome(op, string(StatusExhausted))
	s.log.Error("retry budget exhausted", "op", op, "nonce", nonce, "last_tx", lastTx.Hex())
	return outcome, nil
}

// awaitReceipt polls for the receipt with bounded sleeps until the
// confirmation window elapses. Transport errors during the window are
// tolerated; the next poll may succeed.
func (s *Submitter) awaitReceipt(ctx context.Context, txHash common.Hash) (Receipt, bool, error) {
	deadline := time.Now().Add(s.cfg.ConfirmWait)
	for {
		receipt, err := s.client.Receipt(ctx, txHash)
		switch {
		case err == nil:
			return receipt, true, nil
		case errors.Is(err, ErrNotFound) || IsNetwork(err):
			// Keep polling.
		default:
			return Receipt{}, false, err
		}
		if !time.Now().Before(deadline) {
			return Receipt{}, false, nil
		}
		if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
			return Receipt{}, false, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
