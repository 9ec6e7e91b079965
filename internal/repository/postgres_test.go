package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/staking-ledger/internal/model"
)

var (
	_ Tx = (*pgTx)(nil)
	_ Tx = (*levelTx)(nil)
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgerrcode.SerializationFailure}, want: true},
		{name: "deadlock", err: fmt.Errorf("commit tx: %w", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}), want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: pgerrcode.UniqueViolation}, want: false},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "domain error", err: ErrInsufficientBalance, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

// newTestPostgres подключается к базе из STAKING_TEST_DATABASE_URI и очищает таблицы.
func newTestPostgres(t *testing.T) *PostgresRepository {
	t.Helper()

	dsn := os.Getenv("STAKING_TEST_DATABASE_URI")
	if dsn == "" {
		t.Skip("STAKING_TEST_DATABASE_URI is not set")
	}

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	_, err = repo.pool.Exec(context.Background(),
		`TRUNCATE stake_records, balances, stake_events, ledger_settings`)
	require.NoError(t, err)

	return repo
}

func TestPostgres_StakeAndBalances(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()

	rec := model.StakeRecord{
		Owner:        testHolder,
		Asset:        testAsset,
		TotalStaked:  100,
		LastStaked:   100,
		RewardAmount: 14,
		Plan:         7,
		EndTime:      time.Unix(1_700_604_800, 0).UTC(),
	}

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockAccount(ctx, testHolder); err != nil {
			return err
		}
		if err := tx.Credit(ctx, testAsset, testHolder, 150); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, testAsset, testHolder, testCustody, 100); err != nil {
			return err
		}
		return tx.PutStake(ctx, rec)
	}))

	got, ok, err := repo.GetStake(ctx, testHolder)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	holder, err := repo.GetBalance(ctx, testAsset, testHolder)
	require.NoError(t, err)
	assert.Equal(t, int64(50), holder)

	unknown, err := repo.GetBalance(ctx, testAsset, common.HexToAddress("0x00000000000000000000000000000000000000e5"))
	require.NoError(t, err)
	assert.Zero(t, unknown, "missing balance row reads as zero")

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.LockAsset(ctx, testAsset); err != nil {
			return err
		}
		free, err := tx.FreeBalance(ctx, testAsset, testCustody)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(0), free, "custody holds exactly the staked principal")
		return nil
	}))

	err = repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.DeleteStake(ctx, testHolder); err != nil {
			return err
		}
		return tx.Transfer(ctx, testAsset, testHolder, testCustody, 51)
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, ok, err = repo.GetStake(ctx, testHolder)
	require.NoError(t, err)
	assert.True(t, ok, "failed transaction must not delete the record")
}

func TestPostgres_InitSettingsOnce(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()

	s := model.Settings{RewardAsset: testAsset, Admin: testHolder}
	require.NoError(t, repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InitSettings(ctx, s)
	}))

	err := repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InitSettings(ctx, model.Settings{RewardAsset: testCustody, Admin: testCustody})
	})
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	got, ok, err := repo.GetSettings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestPostgres_EventsNewestFirst(t *testing.T) {
	repo := newTestPostgres(t)
	ctx := context.Background()
	created := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.AppendEvent(ctx, model.Event{Topic: model.EventStake, Account: testHolder, Asset: testAsset, Amount: 100, Plan: 7, EndTime: created.Add(time.Hour), CreatedAt: created}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, model.Event{Topic: model.EventUnstake, Account: testHolder, Asset: testAsset, Amount: 100, CreatedAt: created})
	}))

	events, err := repo.GetEventsByAccount(ctx, testHolder)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventUnstake, events[0].Topic)
	assert.True(t, events[0].EndTime.IsZero())
	assert.Equal(t, created.Add(time.Hour), events[1].EndTime)
}
