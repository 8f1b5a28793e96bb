package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ofzlend/native/srub"
	"ofzlend/services/lending/engine"
)

// Backend is the subset of the Ethereum RPC used by the client.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// Config describes the deployed contracts and confirmation policy.
type Config struct {
	ChainID       *big.Int
	SRUB          common.Address
	Confirmations uint64
	PollInterval  time.Duration
	// GasMultiplier pads gas estimates, in percent. Zero means 120.
	GasMultiplier uint64
}

// Client implements the engine's ledger, token and confirmation interfaces
// against an EVM chain. Reads are issued from the signer's address so that
// msg.sender-dependent views such as previewDecrease resolve correctly.
type Client struct {
	backend Backend
	signer  Signer
	cfg     Config
	tracer  trace.Tracer

	// txMu serialises nonce assignment.
	txMu sync.Mutex

	mu   sync.Mutex
	sent map[common.Hash]ethereum.CallMsg
}

var (
	_ engine.LedgerReader    = (*Client)(nil)
	_ engine.LedgerWriter    = (*Client)(nil)
	_ engine.TokenAuthorizer = (*Client)(nil)
	_ engine.Confirmer       = (*Client)(nil)
)

// NewClient builds a client. signer may be nil for read-only use.
func NewClient(backend Backend, signer Signer, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("evm: backend required")
	}
	if cfg.SRUB == (common.Address{}) {
		return nil, errors.New("evm: sRUB contract address required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GasMultiplier == 0 {
		cfg.GasMultiplier = 120
	}
	return &Client{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		tracer:  otel.Tracer("ofzlend/evm"),
		sent:    make(map[common.Hash]ethereum.CallMsg),
	}, nil
}

// Address returns the signer address, or the zero address when read-only.
func (c *Client) Address() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// Backend exposes the underlying RPC backend.
func (c *Client) Backend() Backend { return c.backend }

// Call packs method on contract, executes it with eth_call and unpacks the
// outputs.
func (c *Client) Call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	ctx, span := c.tracer.Start(ctx, "evm.call", trace.WithAttributes(
		attribute.String("evm.method", method),
		attribute.String("evm.to", to.Hex()),
	))
	defer span.End()

	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: c.Address(), To: &to, Data: data}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
		return nil, decodeCallError(err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

func (c *Client) callUint(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.Call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s: unexpected output count %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, values[0])
	}
	return v, nil
}

func (c *Client) UserDebt(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, SRUBABI, c.cfg.SRUB, "getUserDebt", owner)
}

func (c *Client) TotalCollateralValue(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, SRUBABI, c.cfg.SRUB, "getTotalCollateralValue", owner)
}

func (c *Client) PositionHealth(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, SRUBABI, c.cfg.SRUB, "getPositionHealth", owner)
}

func (c *Client) UserCollateralAmount(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return c.callUint(ctx, SRUBABI, c.cfg.SRUB, "getUserCollateralAmount", owner, token)
}

func (c *Client) UserCollaterals(ctx context.Context, owner common.Address) ([]common.Address, error) {
	values, err := c.Call(ctx, SRUBABI, c.cfg.SRUB, "getUserCollaterals", owner)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("getUserCollaterals: unexpected output count %d", len(values))
	}
	tokens, ok := values[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getUserCollaterals: unexpected output type %T", values[0])
	}
	return tokens, nil
}

func (c *Client) PreviewDecrease(ctx context.Context, owner, token common.Address, amount *big.Int) (engine.Preview, error) {
	data, err := SRUBABI.Pack("previewDecrease", token, amount)
	if err != nil {
		return engine.Preview{}, fmt.Errorf("pack previewDecrease: %w", err)
	}
	to := c.cfg.SRUB
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: owner, To: &to, Data: data}, nil)
	if err != nil {
		return engine.Preview{}, decodeCallError(err)
	}
	var result struct {
		CanWithdraw bool
		SRUBToBurn  *big.Int
	}
	if err := SRUBABI.UnpackIntoInterface(&result, "previewDecrease", out); err != nil {
		return engine.Preview{}, fmt.Errorf("unpack previewDecrease: %w", err)
	}
	return engine.Preview{CanWithdraw: result.CanWithdraw, SRUBToBurn: result.SRUBToBurn}, nil
}

func (c *Client) RiskParameters(ctx context.Context) (srub.RiskParameters, error) {
	ratio, err := c.callUint(ctx, SRUBABI, c.cfg.SRUB, "COLLATERALIZATION_RATIO")
	if err != nil {
		return srub.RiskParameters{}, err
	}
	threshold, err := c.callUint(ctx, SRUBABI, c.cfg.SRUB, "LIQUIDATION_THRESHOLD")
	if err != nil {
		return srub.RiskParameters{}, err
	}
	penalty, err := c.callUint(ctx, SRUBABI, c.cfg.SRUB, "LIQUIDATION_PENALTY")
	if err != nil {
		return srub.RiskParameters{}, err
	}
	return srub.RiskParameters{
		CollateralizationRatio: ratio.Uint64(),
		LiquidationThreshold:   threshold.Uint64(),
		LiquidationPenalty:     penalty.Uint64(),
	}, nil
}

func (c *Client) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, ERC20ABI, token, "allowance", owner, spender)
}

// BalanceOf reads an ERC-20 balance.
func (c *Client) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, ERC20ABI, token, "balanceOf", owner)
}

func (c *Client) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, ERC20ABI, token, "approve", spender, amount)
}

func (c *Client) DepositCollateral(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, SRUBABI, c.cfg.SRUB, "depositCollateral", token, amount)
}

func (c *Client) DecreasePosition(ctx context.Context, token common.Address, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, SRUBABI, c.cfg.SRUB, "decreasePosition", token, amount)
}

func (c *Client) IncreasePosition(ctx context.Context, amount *big.Int) (common.Hash, error) {
	return c.transact(ctx, SRUBABI, c.cfg.SRUB, "increasePosition", amount)
}

// transact estimates, signs and broadcasts an EIP-1559 transaction. Reverts
// detected during estimation are returned as *engine.RevertError before
// anything is signed.
func (c *Client) transact(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, engine.ErrNotConnected
	}
	ctx, span := c.tracer.Start(ctx, "evm.transact", trace.WithAttributes(
		attribute.String("evm.method", method),
		attribute.String("evm.to", to.Hex()),
	))
	defer span.End()

	data, err := contract.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	from := c.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	gasLimit, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "estimate gas")
		return common.Hash{}, decodeCallError(err)
	}
	gasLimit = gasLimit * c.cfg.GasMultiplier / 100

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	chainID, err := c.chainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		return common.Hash{}, decodeCallError(err)
	}
	hash := signed.Hash()
	span.SetAttributes(attribute.String("evm.tx", hash.Hex()))

	c.mu.Lock()
	c.sent[hash] = msg
	c.mu.Unlock()
	return hash, nil
}

func (c *Client) chainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	known := c.cfg.ChainID
	c.mu.Unlock()
	if known != nil && known.Sign() > 0 {
		return known, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	c.mu.Lock()
	c.cfg.ChainID = id
	c.mu.Unlock()
	return id, nil
}

// FilterLogs proxies log queries to the backend.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	ctx, span := c.tracer.Start(ctx, "evm.filter_logs")
	defer span.End()
	return c.backend.FilterLogs(ctx, q)
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}
