package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	testAccount  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testContract = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// fakeBackend is an in-memory Backend with scriptable failures.
type fakeBackend struct {
	mu sync.Mutex

	height         uint64
	heightErr      error
	confirmedNonce uint64
	pendingNonce   uint64
	nonceErr       error
	gasPrice       *big.Int

	submitErrs []error
	sent       []*gethtypes.Transaction

	// mineOnSend registers a receipt for every successfully accepted
	// transaction, simulating immediate inclusion.
	mineOnSend bool
	mineStatus uint64
	mineBlock  uint64

	receipts    map[common.Hash]*gethtypes.Receipt
	receiptErrs []error

	callResult []byte
	callErr    error

	logs      []gethtypes.Log
	filterErr error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		gasPrice: big.NewInt(100_000_000_000),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (f *fakeBackend) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	return f.height, nil
}

func (f *fakeBackend) NonceAt(_ context.Context, _ common.Address, _ *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.confirmedNonce, nil
}

func (f *fakeBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.pendingNonce, nil
}

func (f *fakeBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	if f.mineOnSend {
		f.receipts[tx.Hash()] = &gethtypes.Receipt{
			Status:      f.mineStatus,
			BlockNumber: new(big.Int).SetUint64(f.mineBlock),
			TxHash:      tx.Hash(),
		}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.receiptErrs) > 0 {
		err := f.receiptErrs[0]
		f.receiptErrs = f.receiptErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.callResult, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []gethtypes.Log
	for _, entry := range f.logs {
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
			if len(entry.Topics) == 0 || entry.Topics[0] != q.Topics[0][0] {
				continue
			}
		}
		if q.FromBlock != nil && entry.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && entry.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (f *fakeBackend) sentTxs() []*gethtypes.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*gethtypes.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	client, err := NewClient(backend, testContract)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}
