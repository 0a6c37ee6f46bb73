package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func newTestSubmitter(t *testing.T, backend *fakeBackend, retries int) *Submitter {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sub, err := NewSubmitter(newTestClient(t, backend), key, SubmitterConfig{
		ChainID:         big.NewInt(137),
		Retries:         retries,
		ConfirmWait:     50 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		ContentionPause: time.Millisecond,
		TransientPause:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new submitter: %v", err)
	}
	return sub
}

func TestSubmitConfirmedFirstAttempt(t *testing.T) {
	backend := newFakeBackend()
	backend.mineOnSend = true
	backend.mineStatus = gethtypes.ReceiptStatusSuccessful
	backend.mineBlock = 103
	sub := newTestSubmitter(t, backend, 5)

	outcome, err := sub.IssueCertificate(context.Background(), [32]byte{0xAA}, "QmExample")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if outcome.Status != StatusConfirmed {
		t.Fatalf("want confirmed, got %s", outcome.Status)
	}
	if outcome.BlockNumber != 103 {
		t.Fatalf("want block 103, got %d", outcome.BlockNumber)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("want 1 attempt, got %d", outcome.Attempts)
	}
	if len(backend.sentTxs()) != 1 {
		t.Fatalf("want 1 submission, got %d", len(backend.sentTxs()))
	}
}

func TestSubmitContentionEscalatesAndKeepsNonce(t *testing.T) {
	backend := newFakeBackend()
	backend.confirmedNonce = 4
	backend.pendingNonce = 9
	backend.submitErrs = []error{
		errors.New("already known"),
		errors.New("replacement transaction underpriced"),
		nil,
	}
	backend.mineOnSend = true
	backend.mineStatus = gethtypes.ReceiptStatusSuccessful
	backend.mineBlock = 200
	sub := newTestSubmitter(t, backend, 5)

	outcome, err := sub.IssueCertificate(context.Background(), [32]byte{0xAA}, "QmExample")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if outcome.Status != StatusConfirmed {
		t.Fatalf("want confirmed, got %s", outcome.Status)
	}
	if outcome.Attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", outcome.Attempts)
	}

	sent := backend.sentTxs()
	if len(sent) != 3 {
		t.Fatalf("want 3 submissions, got %d", len(sent))
	}
	for i, tx := range sent {
		if tx.Nonce() != 9 {
			t.Fatalf("attempt %d used nonce %d, want 9", i+1, tx.Nonce())
		}
	}
	// Fees must be non-decreasing and strictly higher on the final attempt.
	for i := 1; i < len(sent); i++ {
		if sent[i].GasFeeCap().Cmp(sent[i-1].GasFeeCap()) <= 0 {
			t.Fatalf("max fee did not escalate between attempts %d and %d", i, i+1)
		}
		if sent[i].GasTipCap().Cmp(sent[i-1].GasTipCap()) <= 0 {
			t.Fatalf("priority fee did not escalate between attempts %d and %d", i, i+1)
		}
	}
	if outcome.Fees.MaxFee.Cmp(sent[2].GasFeeCap()) != 0 {
		t.Fatalf("outcome fees %s do not match final attempt %s", outcome.Fees.MaxFee, sent[2].GasFeeCap())
	}
}

func TestSubmitTransientErrorKeepsFees(t *testing.T) {
	backend := newFakeBackend()
	backend.submitErrs = []error{
		errors.New("connection reset by peer"),
		nil,
	}
	backend.mineOnSend = true
	backend.mineStatus = gethtypes.ReceiptStatusSuccessful
	backend.mineBlock = 50
	sub := newTestSubmitter(t, backend, 5)

	outcome, err := sub.RevokeCertificate(context.Background(), [32]byte{0xBB})
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if outcome.Status != StatusConfirmed {
		t.Fatalf("want confirmed, got %s", outcome.Status)
	}
	sent := backend.sentTxs()
	if len(sent) != 2 {
		t.Fatalf("want 2 submissions, got %d", len(sent))
	}
	if sent[0].GasFeeCap().Cmp(sent[1].GasFeeCap()) != 0 {
		t.Fatalf("transient retry must not change fees: %s vs %s", sent[0].GasFeeCap(), sent[1].GasFeeCap())
	}
	if sent[0].Nonce() != sent[1].Nonce() {
		t.Fatalf("transient retry must not change nonce")
	}
}

func TestSubmitRevertedIsTerminal(t *testing.T) {
	backend := newFakeBackend()
	backend.mineOnSend = true
	backend.mineStatus = gethtypes.ReceiptStatusFailed
	backend.mineBlock = 77
	sub := newTestSubmitter(t, backend, 5)

	outcome, err := sub.IssueCertificate(context.Background(), [32]byte{0xCC}, "QmExample")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if outcome.Status != StatusFailedOnChain {
		t.Fatalf("want failed_onchain, got %s", outcome.Status)
	}
	if len(backend.sentTxs()) != 1 {
		t.Fatalf("reverted transaction must not be retried, got %d submissions", len(backend.sentTxs()))
	}
}

func TestSubmitExhaustedReturnsLastTx(t *testing.T) {
	backend := newFakeBackend()
	// Accepted by the pool but never mined.
	sub := newTestSubmitter(t, backend, 2)

	outcome, err := sub.IssueCertificate(context.Background(), [32]byte{0xDD}, "QmExample")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if outcome.Status != StatusExhausted {
		t.Fatalf("want exhausted, got %s", outcome.Status)
	}
	sent := backend.sentTxs()
	if len(sent) != 2 {
		t.Fatalf("want 2 attempts, got %d", len(sent))
	}
	if outcome.TxHash != sent[len(sent)-1].Hash() {
		t.Fatalf("exhausted outcome must carry the last submitted tx hash")
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	backend := newFakeBackend()
	sub := newTestSubmitter(t, backend, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sub.IssueCertificate(ctx, [32]byte{0xEE}, "QmExample"); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
