package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos-futures/internal/model"
)

const (
	testInitiator    = "0x1111111111111111111111111111111111111111"
	testCounterparty = "0x2222222222222222222222222222222222222222"
)

func newTestAgreement(betID, closingTime int64) *model.Agreement {
	return &model.Agreement{
		BetID:          betID,
		Side:           model.SideLong,
		Amount:         decimal.RequireFromString("1000000000000000000"),
		Initiator:      testInitiator,
		ExpirationTime: closingTime - 50,
		ClosingTime:    closingTime,
	}
}

func TestAgreementRepository_UpsertOpened(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	err := repo.UpsertOpened(ctx, newTestAgreement(1, 150))
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.Counterparty)
	assert.Nil(t, got.Winner)
	assert.Equal(t, model.SideLong, got.Side)
	assert.Equal(t, int64(100), got.ExpirationTime)
	assert.Equal(t, int64(150), got.ClosingTime)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("1000000000000000000")))
	assert.NotZero(t, got.CreatedAt)
}

func TestAgreementRepository_UpsertOpened_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(1, 150)))

	// 重复插入不覆盖已有字段
	dup := newTestAgreement(1, 999)
	err := repo.UpsertOpened(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateKey)

	got, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), got.ClosingTime)
}

func TestAgreementRepository_UpsertOpened_FullPrecisionAmount(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	// 2^256 - 1
	max := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	a := newTestAgreement(7, 150)
	a.Amount = decimal.RequireFromString(max)
	require.NoError(t, repo.UpsertOpened(ctx, a))

	got, err := repo.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, max, got.Amount.String())
}

func TestAgreementRepository_ApplyJoined(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(1, 150)))

	changed, err := repo.ApplyJoined(ctx, 1, testCounterparty)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.Counterparty)
	assert.Equal(t, testCounterparty, *got.Counterparty)

	// 重放
	changed, err = repo.ApplyJoined(ctx, 1, testCounterparty)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAgreementRepository_ApplyJoined_Unknown(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)

	changed, err := repo.ApplyJoined(context.Background(), 42, testCounterparty)
	assert.ErrorIs(t, err, ErrUnknownAgreement)
	assert.False(t, changed)
}

func TestAgreementRepository_ApplyJoined_AfterClosed(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(1, 150)))
	_, err := repo.ApplyClosed(ctx, 1, testInitiator)
	require.NoError(t, err)

	// Joined 晚于 Closed 到达：补写对手方，不重新激活
	changed, err := repo.ApplyJoined(ctx, 1, testCounterparty)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.Counterparty)
	assert.Equal(t, testCounterparty, *got.Counterparty)
	require.NotNil(t, got.Winner)
	assert.Equal(t, testInitiator, *got.Winner)

	// 重复投递不再变更
	changed, err = repo.ApplyJoined(ctx, 1, testCounterparty)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestAgreementRepository_ApplyClosed(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(1, 150)))
	_, err := repo.ApplyJoined(ctx, 1, testCounterparty)
	require.NoError(t, err)

	changed, err := repo.ApplyClosed(ctx, 1, testCounterparty)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	require.NotNil(t, got.Winner)
	assert.Equal(t, testCounterparty, *got.Winner)

	// winner 只写一次
	changed, err = repo.ApplyClosed(ctx, 1, testInitiator)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, testCounterparty, *got.Winner)
}

func TestAgreementRepository_ApplyClosed_Unknown(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)

	changed, err := repo.ApplyClosed(context.Background(), 42, testInitiator)
	assert.ErrorIs(t, err, ErrUnknownAgreement)
	assert.False(t, changed)
}

func TestAgreementRepository_ListSettleable(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(3, 120)))
	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(1, 150)))
	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(2, 120)))
	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(4, 500)))
	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(5, 100)))
	_, err := repo.ApplyClosed(ctx, 5, testInitiator)
	require.NoError(t, err)

	list, err := repo.ListSettleable(ctx, 150, 0)
	require.NoError(t, err)

	ids := make([]int64, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.BetID)
	}
	// closing_time 升序，同一时刻按 bet_id
	assert.Equal(t, []int64{2, 3, 1}, ids)

	list, err = repo.ListSettleable(ctx, 150, 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = repo.ListSettleable(ctx, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAgreementRepository_ListSettleable_Boundary(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAgreementRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.UpsertOpened(ctx, newTestAgreement(1, 150)))

	list, err := repo.ListSettleable(ctx, 149, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = repo.ListSettleable(ctx, 150, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAgreementRepository_ApplyClosed_Postgres(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewAgreementRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "futures_agreements" SET .* WHERE bet_id = \$\d+ AND winner IS NULL`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changed, err := repo.ApplyClosed(ctx, 1, testInitiator)
	assert.NoError(t, err)
	assert.True(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgreementRepository_ApplyClosed_PostgresReplay(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewAgreementRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "futures_agreements" SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT count\(\*\) FROM "futures_agreements" WHERE bet_id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	changed, err := repo.ApplyClosed(ctx, 1, testInitiator)
	assert.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgreementRepository_ListSettleable_Postgres(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewAgreementRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "futures_agreements" WHERE winner IS NULL AND closing_time <= \$1 ORDER BY closing_time ASC, bet_id ASC LIMIT \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"bet_id", "closing_time", "amount"}).
			AddRow(1, 120, "1000"))

	list, err := repo.ListSettleable(ctx, 150, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].BetID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
