package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"ofzlend/observability/metrics"
	"ofzlend/services/lending/evm"
)

// DefaultScanWindow is the block span of one log query.
const DefaultScanWindow = 1000

// Chain is the chain access needed for bond discovery and valuation.
// *evm.Client satisfies it.
type Chain interface {
	Call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Bond is a bond token announced by the factory.
type Bond struct {
	Token         common.Address `json:"token"`
	Name          string         `json:"name"`
	InitialPrice  *big.Int       `json:"initialPrice"`
	MaturityPrice *big.Int       `json:"maturityPrice"`
	MaturityAt    time.Time      `json:"maturityAt"`
	Block         uint64         `json:"block"`
}

// Cache persists discovered bonds and the next block to scan.
type Cache interface {
	LoadBonds() ([]Bond, uint64, error)
	SaveBonds(bonds []Bond, nextBlock uint64) error
}

// Scanner discovers bonds from BondCreated events.
type Scanner struct {
	chain      Chain
	factory    common.Address
	startBlock uint64
	window     uint64
	cache      Cache
	logger     *slog.Logger
	metrics    *metrics.LendingMetrics
}

// ScannerConfig configures bond discovery.
type ScannerConfig struct {
	Factory    common.Address
	StartBlock uint64
	Window     uint64
}

// NewScanner builds a scanner. cache may be nil.
func NewScanner(chain Chain, cfg ScannerConfig, cache Cache, logger *slog.Logger, m *metrics.LendingMetrics) (*Scanner, error) {
	if chain == nil {
		return nil, errors.New("portfolio: chain required")
	}
	if cfg.Factory == (common.Address{}) {
		return nil, errors.New("portfolio: bond factory address required")
	}
	if cfg.Window == 0 {
		cfg.Window = DefaultScanWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		chain:      chain,
		factory:    cfg.Factory,
		startBlock: cfg.StartBlock,
		window:     cfg.Window,
		cache:      cache,
		logger:     logger,
		metrics:    m,
	}, nil
}

type bondCreated struct {
	Name          string
	InitialPrice  *big.Int
	MaturityPrice *big.Int
	MaturityAt    *big.Int
}

// Discover returns every bond created up to the current head. Windows that
// fail are logged and skipped; the cached cursor stops at the first failed
// window so the next call retries it.
func (s *Scanner) Discover(ctx context.Context) ([]Bond, error) {
	var (
		bonds  []Bond
		cursor = s.startBlock
	)
	if s.cache != nil {
		cached, next, err := s.cache.LoadBonds()
		if err != nil {
			s.logger.Warn("bond cache unavailable", slog.Any("error", err))
		} else {
			bonds = cached
			if next > cursor {
				cursor = next
			}
		}
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("portfolio: head block: %w", err)
	}

	seen := make(map[common.Address]struct{}, len(bonds))
	for _, b := range bonds {
		seen[b.Token] = struct{}{}
	}
	event := evm.BondFactoryABI.Events["BondCreated"]
	next := head + 1
	failed := false

	for from := cursor; from <= head; from += s.window {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		to := from + s.window - 1
		if to > head {
			to = head
		}
		logs, err := s.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{s.factory},
			Topics:    [][]common.Hash{{event.ID}},
		})
		if err != nil {
			s.logger.Warn("bond log window failed",
				slog.Uint64("from", from),
				slog.Uint64("to", to),
				slog.Any("error", err))
			s.metrics.ObserveScanWindow("failed")
			if !failed {
				failed = true
				next = from
			}
			continue
		}
		s.metrics.ObserveScanWindow("ok")
		for _, lg := range logs {
			bond, err := decodeBondCreated(lg)
			if err != nil {
				s.logger.Warn("undecodable BondCreated log",
					slog.String("tx", lg.TxHash.Hex()),
					slog.Any("error", err))
				continue
			}
			if _, dup := seen[bond.Token]; dup {
				continue
			}
			seen[bond.Token] = struct{}{}
			bonds = append(bonds, bond)
		}
	}

	if s.cache != nil {
		if err := s.cache.SaveBonds(bonds, next); err != nil {
			s.logger.Warn("bond cache write failed", slog.Any("error", err))
		}
	}
	return bonds, nil
}

func decodeBondCreated(lg gethtypes.Log) (Bond, error) {
	if len(lg.Topics) < 2 {
		return Bond{}, errors.New("missing indexed bond token")
	}
	var ev bondCreated
	if err := evm.BondFactoryABI.UnpackIntoInterface(&ev, "BondCreated", lg.Data); err != nil {
		return Bond{}, err
	}
	bond := Bond{
		Token:         common.BytesToAddress(lg.Topics[1].Bytes()),
		Name:          ev.Name,
		InitialPrice:  ev.InitialPrice,
		MaturityPrice: ev.MaturityPrice,
		Block:         lg.BlockNumber,
	}
	if ev.MaturityAt != nil {
		bond.MaturityAt = time.Unix(ev.MaturityAt.Int64(), 0).UTC()
	}
	return bond, nil
}
