package chainclient

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBumpGasPriceFirstAttemptUsesSuggested(t *testing.T) {
	c := &Client{}
	to := common.HexToAddress("0x00000000000000000000000000000000000abc")

	got := c.bumpGasPrice(to, 7, big.NewInt(1_000_000_000))
	if got.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("first attempt price = %s, want the suggested price unchanged", got)
	}
}

// TestBumpGasPriceRetryExceedsPreviousEvenWhenSuggestedDidNotMove covers
// the "replacement transaction underpriced" retry path: a node that
// keeps suggesting the same (now-rejected) gas price must still see the
// retransmit go out at a strictly higher price, or the retry loop in
// exactevm.Settle will exhaust its budget reproducing the same
// rejection.
func TestBumpGasPriceRetryExceedsPreviousEvenWhenSuggestedDidNotMove(t *testing.T) {
	c := &Client{}
	to := common.HexToAddress("0x00000000000000000000000000000000000abc")
	suggested := big.NewInt(1_000_000_000)

	first := c.bumpGasPrice(to, 7, suggested)
	second := c.bumpGasPrice(to, 7, suggested)

	if second.Cmp(first) <= 0 {
		t.Fatalf("retry price %s did not exceed first attempt %s", second, first)
	}
	wantFloor := new(big.Int).Mul(first, big.NewInt(feeBumpFactor))
	wantFloor.Div(wantFloor, big.NewInt(100))
	if second.Cmp(wantFloor) != 0 {
		t.Errorf("retry price = %s, want exactly %d%% of the prior attempt (%s)", second, feeBumpFactor, wantFloor)
	}
}

func TestBumpGasPriceUsesHigherOfSuggestedAndBumped(t *testing.T) {
	c := &Client{}
	to := common.HexToAddress("0x00000000000000000000000000000000000abc")

	c.bumpGasPrice(to, 7, big.NewInt(1_000_000_000))
	// A large jump in the network's own suggested price should win over
	// the mechanical 25% bump if it is already higher.
	got := c.bumpGasPrice(to, 7, big.NewInt(5_000_000_000))
	if got.Cmp(big.NewInt(5_000_000_000)) != 0 {
		t.Errorf("price = %s, want the higher network-suggested price 5000000000", got)
	}
}

func TestBumpGasPriceIsIndependentPerNonce(t *testing.T) {
	c := &Client{}
	to := common.HexToAddress("0x00000000000000000000000000000000000abc")

	c.bumpGasPrice(to, 7, big.NewInt(1_000_000_000))
	got := c.bumpGasPrice(to, 8, big.NewInt(1_000_000_000))
	if got.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("a different nonce slot got price %s, want the suggested price unaffected by nonce 7's history", got)
	}
}
