package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"ofzlend/native/srub"
	"ofzlend/services/lending/evm"
)

// DefaultMulticall is the canonical Multicall3 deployment address.
var DefaultMulticall = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// PriceFeed is the oracle quote for one bond. Prices use srub.Decimals.
type PriceFeed struct {
	LastPrice   *big.Int
	LastUpdated time.Time
	MaturityAt  time.Time
}

// Holding is a bond the owner holds, with its valuation.
type Holding struct {
	Bond        Bond            `json:"bond"`
	ShortName   string          `json:"shortName"`
	Balance     *big.Int        `json:"balance"`
	Price       decimal.Decimal `json:"price"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Value       decimal.Decimal `json:"value"`
}

// Summary is the owner's bond portfolio.
type Summary struct {
	Owner    common.Address  `json:"owner"`
	Holdings []Holding       `json:"holdings"`
	Total    decimal.Decimal `json:"total"`
}

// Service values an owner's bond holdings.
type Service struct {
	chain     Chain
	scanner   *Scanner
	multicall common.Address
	oracle    common.Address
	names     *ShortNames
	logger    *slog.Logger
}

// NewService wires the portfolio service. names may be nil.
func NewService(chain Chain, scanner *Scanner, multicall, oracle common.Address, names *ShortNames, logger *slog.Logger) (*Service, error) {
	if chain == nil || scanner == nil {
		return nil, errors.New("portfolio: chain and scanner required")
	}
	if oracle == (common.Address{}) {
		return nil, errors.New("portfolio: bond oracle address required")
	}
	if multicall == (common.Address{}) {
		multicall = DefaultMulticall
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{chain: chain, scanner: scanner, multicall: multicall, oracle: oracle, names: names, logger: logger}, nil
}

// Holdings discovers bonds, reads balances in one multicall, prices the held
// ones through the oracle and resolves display names.
func (s *Service) Holdings(ctx context.Context, owner common.Address) (Summary, error) {
	summary := Summary{Owner: owner, Total: decimal.Zero}
	if owner == (common.Address{}) {
		return summary, errors.New("portfolio: owner required")
	}
	bonds, err := s.scanner.Discover(ctx)
	if err != nil {
		return summary, err
	}
	if len(bonds) == 0 {
		return summary, nil
	}
	balances, err := s.Balances(ctx, owner, bonds)
	if err != nil {
		return summary, err
	}

	var held []Bond
	for i, bond := range bonds {
		if balances[i].Sign() > 0 {
			held = append(held, bond)
		}
	}
	if len(held) == 0 {
		return summary, nil
	}
	feeds, err := s.Prices(ctx, held)
	if err != nil {
		s.logger.Warn("bond oracle unavailable; valuing at zero", slog.Any("error", err))
		feeds = make([]PriceFeed, len(held))
	}
	var names map[string]string
	if s.names != nil {
		names = s.names.Lookup(ctx)
	}

	index := make(map[common.Address]*big.Int, len(bonds))
	for i, bond := range bonds {
		index[bond.Token] = balances[i]
	}
	for i, bond := range held {
		balance := index[bond.Token]
		price := srub.AmountDecimal(feeds[i].LastPrice)
		value := price.Mul(decimal.NewFromBigInt(balance, 0))
		shortName := bond.Name
		if alias, ok := names[bond.Name]; ok && alias != "" {
			shortName = alias
		}
		summary.Holdings = append(summary.Holdings, Holding{
			Bond:        bond,
			ShortName:   shortName,
			Balance:     new(big.Int).Set(balance),
			Price:       price,
			LastUpdated: feeds[i].LastUpdated,
			Value:       value,
		})
		summary.Total = summary.Total.Add(value)
	}
	sort.SliceStable(summary.Holdings, func(i, j int) bool {
		return summary.Holdings[i].Value.GreaterThan(summary.Holdings[j].Value)
	})
	return summary, nil
}

type multicallCall struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type multicallResult struct {
	Success    bool
	ReturnData []byte
}

// Balances reads balanceOf(owner) on every bond through Multicall3. A failed
// or undecodable entry counts as zero.
func (s *Service) Balances(ctx context.Context, owner common.Address, bonds []Bond) ([]*big.Int, error) {
	calls := make([]multicallCall, len(bonds))
	for i, bond := range bonds {
		data, err := evm.ERC20ABI.Pack("balanceOf", owner)
		if err != nil {
			return nil, err
		}
		calls[i] = multicallCall{Target: bond.Token, AllowFailure: true, CallData: data}
	}
	values, err := s.chain.Call(ctx, evm.MulticallABI, s.multicall, "aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("portfolio: multicall: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("portfolio: multicall returned %d values", len(values))
	}
	results := *abi.ConvertType(values[0], new([]multicallResult)).(*[]multicallResult)
	if len(results) != len(bonds) {
		return nil, fmt.Errorf("portfolio: multicall returned %d results for %d calls", len(results), len(bonds))
	}

	out := make([]*big.Int, len(bonds))
	for i, res := range results {
		out[i] = new(big.Int)
		if !res.Success {
			continue
		}
		decoded, err := evm.ERC20ABI.Unpack("balanceOf", res.ReturnData)
		if err != nil || len(decoded) != 1 {
			s.logger.Warn("undecodable bond balance",
				slog.String("bond", bonds[i].Token.Hex()),
				slog.Any("error", err))
			continue
		}
		if v, ok := decoded[0].(*big.Int); ok {
			out[i] = v
		}
	}
	return out, nil
}

type oracleFeed struct {
	LastPrice   *big.Int
	LastUpdated *big.Int
	MaturityAt  *big.Int
}

// Prices reads oracle quotes for bonds in one call.
func (s *Service) Prices(ctx context.Context, bonds []Bond) ([]PriceFeed, error) {
	tokens := make([]common.Address, len(bonds))
	for i, bond := range bonds {
		tokens[i] = bond.Token
	}
	values, err := s.chain.Call(ctx, evm.BondOracleABI, s.oracle, "getPriceFeeds", tokens)
	if err != nil {
		return nil, fmt.Errorf("portfolio: price feeds: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("portfolio: oracle returned %d values", len(values))
	}
	raw := *abi.ConvertType(values[0], new([]oracleFeed)).(*[]oracleFeed)
	if len(raw) != len(bonds) {
		return nil, fmt.Errorf("portfolio: oracle returned %d feeds for %d bonds", len(raw), len(bonds))
	}
	feeds := make([]PriceFeed, len(raw))
	for i, f := range raw {
		feeds[i] = PriceFeed{
			LastPrice:   f.LastPrice,
			LastUpdated: unixTime(f.LastUpdated),
			MaturityAt:  unixTime(f.MaturityAt),
		}
	}
	return feeds, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
