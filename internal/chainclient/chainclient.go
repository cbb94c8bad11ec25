// Package chainclient implements the minimal per-chain RPC facade (C1):
// reading token contracts, submitting transactions, waiting for
// receipts, and fetching domain separators and pending nonces. One
// instance is constructed per CAIP-2 network.
package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/paybridge/facilitator/internal/config"
)

// erc20AndEIP3009ABI covers the read/write surface the facilitator needs:
// EIP-3009 transferWithAuthorization (both signature encodings), the
// EIP-2612/EIP-712 domain accessors, ERC-1271 signature validation, and
// plain ERC-20 balanceOf.
const erc20AndEIP3009ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"version","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"DOMAIN_SEPARATOR","outputs":[{"name":"","type":"bytes32"}],"type":"function"},
	{"inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
		{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}
	],"name":"transferWithAuthorization","outputs":[],"type":"function"},
	{"inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},
		{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},
		{"name":"signature","type":"bytes"}
	],"name":"transferWithAuthorization","outputs":[],"type":"function"},
	{"constant":true,"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"name":"isValidSignature","outputs":[{"name":"","type":"bytes4"}],"type":"function"},
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// erc1271MagicValue is the return value isValidSignature must produce for
// a valid signature (bytes4(keccak256("isValidSignature(bytes32,bytes)"))).
var erc1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

var tokenABI abi.ABI

func init() {
	var err error
	tokenABI, err = abi.JSON(strings.NewReader(erc20AndEIP3009ABI))
	if err != nil {
		panic(fmt.Sprintf("chainclient: invalid embedded ABI: %v", err))
	}
}

// ErrorClass classifies a Client error for callers deciding whether to
// retry (spec.md 4.1).
type ErrorClass string

const (
	ClassTimeout ErrorClass = "network-timeout"
	ClassNotFound ErrorClass = "not-found"
	ClassRevert  ErrorClass = "revert"
	ClassPending ErrorClass = "pending"
	ClassOther   ErrorClass = "other"
)

// ClientError wraps a chain RPC failure with its classification.
type ClientError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *ClientError) Error() string { return fmt.Sprintf("chainclient: %s: %s: %v", e.Op, e.Class, e.Err) }
func (e *ClientError) Unwrap() error { return e.Err }

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ClientError{Class: ClassTimeout, Op: op, Err: err}
	case errors.Is(err, ethereum.NotFound):
		return &ClientError{Class: ClassNotFound, Op: op, Err: err}
	case strings.Contains(err.Error(), "revert"), strings.Contains(err.Error(), "execution reverted"):
		return &ClientError{Class: ClassRevert, Op: op, Err: err}
	default:
		return &ClientError{Class: ClassOther, Op: op, Err: err}
	}
}

// feeBumpFactor is the fixed multiplier applied to a transaction's gas
// price each time it is retransmitted at the same (to, nonce) slot
// after a "replacement transaction underpriced" rejection (spec.md
// 4.2: "bump fees and retransmit with the same nonce").
const feeBumpFactor = 125 // percent

type feeBumpKey struct {
	to    common.Address
	nonce uint64
}

// Client is the RPC facade for a single CAIP-2 network.
type Client struct {
	Network     string
	ChainIDInt  *big.Int
	eth         *ethclient.Client
	readTimeout time.Duration
	receiptWait time.Duration
	limiter     *rate.Limiter

	feeBumpMu    sync.Mutex
	lastGasPrice map[feeBumpKey]*big.Int
}

// Dial connects to the network's RPC endpoint and fetches its chain id.
func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chainclient: no RPC URL configured for %s", cfg.Network)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	eth, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s: %w", cfg.Network, err)
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	receiptWait := cfg.ReceiptWait
	if receiptWait == 0 {
		receiptWait = 120 * time.Second
	}

	c := &Client{
		Network:     cfg.Network,
		eth:         eth,
		readTimeout: readTimeout,
		receiptWait: receiptWait,
		limiter:     rate.NewLimiter(rate.Limit(25), 50),
	}

	chainID, err := c.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chainclient: fetch chain id for %s: %w", cfg.Network, err)
	}
	c.ChainIDInt = chainID
	return c, nil
}

// ChainID returns the chain id cached at Dial time, with no RPC round
// trip.
func (c *Client) ChainID() *big.Int {
	return c.ChainIDInt
}

func (c *Client) withReadDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.readTimeout)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// GetChainID returns the chain's numeric id.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withReadDeadline(ctx)
	defer cancel()
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, classify("getChainId", err)
	}
	return id, nil
}

// GetTransactionCount fetches the nonce at the given block tag ("pending"
// or "latest").
func (c *Client) GetTransactionCount(ctx context.Context, addr common.Address, pending bool) (uint64, error) {
	ctx, cancel := c.withReadDeadline(ctx)
	defer cancel()
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	var n uint64
	var err error
	if pending {
		n, err = c.eth.PendingNonceAt(ctx, addr)
	} else {
		n, err = c.eth.NonceAt(ctx, addr, nil)
	}
	if err != nil {
		return 0, classify("getTransactionCount", err)
	}
	return n, nil
}

// BalanceOf reads an ERC-20 balance. Best-effort: callers must treat an
// RPC failure here as "unknown", not "insufficient" (spec.md 4.3 step 5).
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := c.callRead(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// NameAndVersion reads the token's EIP-712 name/version fields.
func (c *Client) NameAndVersion(ctx context.Context, token common.Address) (name, version string, err error) {
	nameOut, err := c.callRead(ctx, token, "name")
	if err != nil {
		return "", "", err
	}
	versionOut, err := c.callRead(ctx, token, "version")
	if err != nil {
		return "", "", err
	}
	return nameOut[0].(string), versionOut[0].(string), nil
}

// DomainSeparator reads the token's on-chain DOMAIN_SEPARATOR().
func (c *Client) DomainSeparator(ctx context.Context, token common.Address) ([32]byte, error) {
	out, err := c.callRead(ctx, token, "DOMAIN_SEPARATOR")
	if err != nil {
		return [32]byte{}, err
	}
	return out[0].([32]byte), nil
}

// IsValidERC1271Signature calls isValidSignature(hash, sig) on a contract
// account and checks the magic-value return.
func (c *Client) IsValidERC1271Signature(ctx context.Context, account common.Address, hash [32]byte, sig []byte) (bool, error) {
	out, err := c.callRead(ctx, account, "isValidSignature", hash, sig)
	if err != nil {
		return false, err
	}
	got := out[0].([4]byte)
	return got == erc1271MagicValue, nil
}

// HasCode reports whether an address has deployed bytecode (used to
// decide whether an EIP-6492 wrapped signature needs its factory
// deployment step run first).
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	ctx, cancel := c.withReadDeadline(ctx)
	defer cancel()
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, classify("getCode", err)
	}
	return len(code) > 0, nil
}

func (c *Client) callRead(ctx context.Context, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := c.withReadDeadline(ctx)
	defer cancel()
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chainclient: pack %s: %w", method, err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(method, err)
	}

	out, err := tokenABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("chainclient: unpack %s: %w", method, err)
	}
	return out, nil
}

// TransferWithAuthorizationVRS submits the 65-byte-signature variant of
// transferWithAuthorization.
func (c *Client) TransferWithAuthorizationVRS(ctx context.Context, signer *ecdsa.PrivateKey, token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, v uint8, r, s [32]byte, txNonce uint64) (common.Hash, error) {
	data, err := tokenABI.Pack("transferWithAuthorization", from, to, value, validAfter, validBefore, nonce, v, r, s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: pack transferWithAuthorization(v,r,s): %w", err)
	}
	return c.sendContractCall(ctx, signer, token, data, txNonce)
}

// TransferWithAuthorizationBytes submits the bytes-signature overload of
// transferWithAuthorization (contract/ERC-1271 signatures).
func (c *Client) TransferWithAuthorizationBytes(ctx context.Context, signer *ecdsa.PrivateKey, token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, signature []byte, txNonce uint64) (common.Hash, error) {
	methodID := crypto.Keccak256([]byte("transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,bytes)"))[:4]
	packed, err := abi.Arguments{
		{Type: mustType("address")}, {Type: mustType("address")}, {Type: mustType("uint256")},
		{Type: mustType("uint256")}, {Type: mustType("uint256")}, {Type: mustType("bytes32")}, {Type: mustType("bytes")},
	}.Pack(from, to, value, validAfter, validBefore, nonce, signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: pack transferWithAuthorization(bytes): %w", err)
	}
	data := append(methodID, packed...)
	return c.sendContractCall(ctx, signer, token, data, txNonce)
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Transfer submits a plain ERC-20 transfer(to, amount) call — used by
// the reference bridge provider's float-account mint step.
func (c *Client) Transfer(ctx context.Context, signer *ecdsa.PrivateKey, token, to common.Address, amount *big.Int, txNonce uint64) (common.Hash, error) {
	data, err := tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: pack transfer: %w", err)
	}
	return c.sendContractCall(ctx, signer, token, data, txNonce)
}

// SendRawCall builds, signs, and submits an arbitrary contract call
// (used by the exact-evm settle path's EIP-6492 factory deploy step,
// which needs a raw transaction rather than a typed contract method).
func (c *Client) SendRawCall(ctx context.Context, signer *ecdsa.PrivateKey, to common.Address, data []byte, txNonce uint64) (common.Hash, error) {
	return c.sendContractCall(ctx, signer, to, data, txNonce)
}

func (c *Client) sendContractCall(ctx context.Context, signer *ecdsa.PrivateKey, to common.Address, data []byte, txNonce uint64) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, classify("suggestGasPrice", err)
	}
	gasPrice = c.bumpGasPrice(to, txNonce, gasPrice)

	fromAddr := crypto.PubkeyToAddress(signer.PublicKey)
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: fromAddr, To: &to, Data: data})
	if err != nil {
		gasLimit = 300000 // conservative fallback when estimation reverts pre-flight
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    txNonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.ChainIDInt), signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: sign tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, classify("sendTransaction", err)
	}
	return signedTx.Hash(), nil
}

// bumpGasPrice returns the price to use for a transaction at (to,
// txNonce): the network-suggested price, or feeBumpFactor percent of
// whatever price this client last attempted at that same slot,
// whichever is higher. Without this, retransmitting a replaced
// transaction reuses whatever the node happens to suggest next, which
// is frequently the same (or a coincidentally similar) price that was
// already rejected as underpriced, and the retry loop in
// exactevm.Settle exhausts its budget without ever getting the
// replacement to a higher fee.
func (c *Client) bumpGasPrice(to common.Address, txNonce uint64, suggested *big.Int) *big.Int {
	c.feeBumpMu.Lock()
	defer c.feeBumpMu.Unlock()

	if c.lastGasPrice == nil {
		c.lastGasPrice = make(map[feeBumpKey]*big.Int)
	}

	k := feeBumpKey{to: to, nonce: txNonce}
	price := new(big.Int).Set(suggested)
	if prev, ok := c.lastGasPrice[k]; ok {
		bumped := new(big.Int).Mul(prev, big.NewInt(feeBumpFactor))
		bumped.Div(bumped, big.NewInt(100))
		if bumped.Cmp(price) > 0 {
			price = bumped
		}
	}
	c.lastGasPrice[k] = price
	return price
}

// WaitForTransactionReceipt blocks up to the configured deadline
// (default 120s). On deadline exceeded it returns a ClassPending error
// that is retryable by callers (spec.md 4.1).
func (c *Client) WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptWait)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, classify("waitForTransactionReceipt", err)
		}
		select {
		case <-ctx.Done():
			return nil, &ClientError{Class: ClassPending, Op: "waitForTransactionReceipt", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
