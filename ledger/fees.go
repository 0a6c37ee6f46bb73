package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
)

// priorityFeeFloor is the fixed tip attached to every fresh submission.
// Overpaying modestly up front avoids the common stuck-transaction case
// under congestion.
var priorityFeeFloor = new(big.Int).Mul(big.NewInt(30), big.NewInt(params.GWei))

// FeeQuote carries the EIP-1559 fee fields for one submission attempt.
type FeeQuote struct {
	MaxFee      *big.Int
	PriorityFee *big.Int
}

// Clone returns an independent copy of the quote.
func (q FeeQuote) Clone() FeeQuote {
	out := FeeQuote{}
	if q.MaxFee != nil {
		out.MaxFee = new(big.Int).Set(q.MaxFee)
	}
	if q.PriorityFee != nil {
		out.PriorityFee = new(big.Int).Set(q.PriorityFee)
	}
	return out
}

// InitialNonce returns max(confirmed, pending) for the account, guarding
// against nonce reuse while a prior transaction sits in the pending pool.
func InitialNonce(ctx context.Context, client *Client, account common.Address) (uint64, error) {
	confirmed, err := client.Nonce(ctx, account, NonceConfirmed)
	if err != nil {
		return 0, err
	}
	pending, err := client.Nonce(ctx, account, NoncePending)
	if err != nil {
		return 0, err
	}
	if pending > confirmed {
		return pending, nil
	}
	return confirmed, nil
}

// InitialFees quotes maxFee = 2 x current base fee with the fixed priority
// floor.
func InitialFees(ctx context.Context, client *Client) (FeeQuote, error) {
	base, err := client.BaseFee(ctx)
	if err != nil {
		return FeeQuote{}, err
	}
	return FeeQuote{
		MaxFee:      new(big.Int).Mul(base, big.NewInt(2)),
		PriorityFee: new(big.Int).Set(priorityFeeFloor),
	}, nil
}

// Escalate returns a quote with both fields multiplied by 1.5, the
// replacement bump applied when a prior submission at the same nonce is
// still outstanding. Both fields strictly increase on every call.
func Escalate(quote FeeQuote) (FeeQuote, error) {
	if quote.MaxFee == nil || quote.PriorityFee == nil {
		return FeeQuote{}, fmt.Errorf("ledger: escalate requires a complete fee quote")
	}
	return FeeQuote{
		MaxFee:      bumpFee(quote.MaxFee),
		PriorityFee: bumpFee(quote.PriorityFee),
	}, nil
}

func bumpFee(fee *big.Int) *big.Int {
	bumped := new(big.Int).Mul(fee, big.NewInt(3))
	bumped.Div(bumped, big.NewInt(2))
	// Integer division floors tiny values; force strict growth.
	if bumped.Cmp(fee) <= 0 {
		bumped = new(big.Int).Add(fee, big.NewInt(1))
	}
	return bumped
}
