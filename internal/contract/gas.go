package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
)

// Gas estimation errors
var (
	ErrGasEstimationFailed = errors.New("gas estimation failed")
	ErrGasPriceTooHigh     = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh     = errors.New("gas limit exceeds maximum")
)

// GasBackend is the subset of the chain client used for gas pricing.
type GasBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// GasPriceMultiplier is the multiplier for suggested gas price (1.1 = 10% buffer).
	GasPriceMultiplier float64
	// GasLimitMultiplier is the multiplier for estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	GasLimit      uint64
	GasPrice      *big.Int
	EstimatedCost *big.Int
}

// GasEstimator prices legacy (EIP-155) transactions.
type GasEstimator struct {
	cfg     *GasEstimatorConfig
	backend GasBackend

	mu          sync.Mutex
	cachedPrice *big.Int
	fetchedAt   time.Time
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg *GasEstimatorConfig, backend GasBackend) *GasEstimator {
	if cfg == nil {
		cfg = &GasEstimatorConfig{}
	}

	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 1_000_000
	}
	if cfg.GasPriceMultiplier == 0 {
		cfg.GasPriceMultiplier = 1.1
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second // ~1 block on Ethereum
	}

	return &GasEstimator{
		cfg:     cfg,
		backend: backend,
	}
}

// GasPrice returns the buffered gas price, cached for CacheTTL.
func (e *GasEstimator) GasPrice(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	if e.cachedPrice != nil && time.Since(e.fetchedAt) < e.cfg.CacheTTL {
		price := new(big.Int).Set(e.cachedPrice)
		e.mu.Unlock()
		return price, nil
	}
	e.mu.Unlock()

	price, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	price = applyMultiplier(price, e.cfg.GasPriceMultiplier)

	if price.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrGasPriceTooHigh, price, e.cfg.MaxGasPrice)
	}

	e.mu.Lock()
	e.cachedPrice = new(big.Int).Set(price)
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	return price, nil
}

// Estimate estimates gas limit and price for a call.
// A contract revert is returned wrapped so that IsRevertError still matches.
func (e *GasEstimator) Estimate(ctx context.Context, msg ethereum.CallMsg) (*GasEstimate, error) {
	gasLimit, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGasEstimationFailed, err)
	}

	// Apply multiplier for safety margin
	gasLimit = uint64(float64(gasLimit) * e.cfg.GasLimitMultiplier)
	if gasLimit > e.cfg.MaxGasLimit {
		return nil, ErrGasLimitTooHigh
	}

	gasPrice, err := e.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	return &GasEstimate{
		GasLimit:      gasLimit,
		GasPrice:      gasPrice,
		EstimatedCost: new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit)),
	}, nil
}

func applyMultiplier(v *big.Int, m float64) *big.Int {
	if m <= 1 {
		return new(big.Int).Set(v)
	}
	f := new(big.Float).SetInt(v)
	f.Mul(f, big.NewFloat(m))
	out, _ := f.Int(nil)
	return out
}
