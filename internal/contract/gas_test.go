package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGasBackend struct {
	price       *big.Int
	gas         uint64
	estimateErr error
	priceCalls  int
}

func (s *stubGasBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	s.priceCalls++
	return new(big.Int).Set(s.price), nil
}

func (s *stubGasBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return s.gas, s.estimateErr
}

func TestGasEstimator_Estimate(t *testing.T) {
	backend := &stubGasBackend{price: big.NewInt(1_000_000_000), gas: 50_000}
	e := NewGasEstimator(&GasEstimatorConfig{
		GasPriceMultiplier: 1.5,
		GasLimitMultiplier: 1.2,
		CacheTTL:           time.Minute,
	}, backend)

	est, err := e.Estimate(context.Background(), ethereum.CallMsg{})
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000), est.GasLimit)
	assert.Equal(t, int64(1_500_000_000), est.GasPrice.Int64())
	assert.Equal(t, int64(90_000_000_000_000), est.EstimatedCost.Int64())

	// 价格缓存
	_, err = e.Estimate(context.Background(), ethereum.CallMsg{})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.priceCalls)

}

func TestGasEstimator_CacheExpires(t *testing.T) {
	backend := &stubGasBackend{price: big.NewInt(1_000), gas: 21_000}
	e := NewGasEstimator(&GasEstimatorConfig{CacheTTL: 20 * time.Millisecond}, backend)

	_, err := e.GasPrice(context.Background())
	require.NoError(t, err)
	_, err = e.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, backend.priceCalls)

	time.Sleep(30 * time.Millisecond)
	_, err = e.GasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.priceCalls)
}

func TestGasEstimator_Limits(t *testing.T) {
	backend := &stubGasBackend{price: big.NewInt(1_000), gas: 2_000_000}
	e := NewGasEstimator(&GasEstimatorConfig{MaxGasLimit: 1_000_000}, backend)

	_, err := e.Estimate(context.Background(), ethereum.CallMsg{})
	assert.ErrorIs(t, err, ErrGasLimitTooHigh)

	backend.gas = 21_000
	backend.price = big.NewInt(1_000_000_000_000) // 1000 gwei
	_, err = e.Estimate(context.Background(), ethereum.CallMsg{})
	assert.ErrorIs(t, err, ErrGasPriceTooHigh)
}

func TestGasEstimator_RevertPreserved(t *testing.T) {
	backend := &stubGasBackend{price: big.NewInt(1), estimateErr: errors.New("execution reverted: Too early")}
	e := NewGasEstimator(nil, backend)

	_, err := e.Estimate(context.Background(), ethereum.CallMsg{})
	assert.ErrorIs(t, err, ErrGasEstimationFailed)
	assert.True(t, IsRevertError(err))

	reason, ok := RevertReason(err)
	assert.True(t, ok)
	assert.Equal(t, "Too early", reason)
}
