// Package repository содержит хранилища леджера стейкинга: PostgreSQL и встроенное LevelDB.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/staking-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const maxTxRetries = 3

// querier объединяет пул и транзакцию pgx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликтах сериализации, дедлоках и обрывах соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(maxTxRetries, retry.NewFibonacci(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if isRetryable(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. Любая ошибка fn откатывает все изменения.
func (r *PostgresRepository) InTx(ctx context.Context, fn TxFunc) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(ctx, &pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetStake возвращает позицию аккаунта вне транзакции.
func (r *PostgresRepository) GetStake(ctx context.Context, account common.Address) (model.StakeRecord, bool, error) {
	return getStake(ctx, r.pool, account)
}

// GetSettings возвращает конфигурацию леджера.
func (r *PostgresRepository) GetSettings(ctx context.Context) (model.Settings, bool, error) {
	return getSettings(ctx, r.pool)
}

// GetBalance возвращает баланс держателя по активу.
func (r *PostgresRepository) GetBalance(ctx context.Context, asset, holder common.Address) (int64, error) {
	var amount int64
	err := r.pool.QueryRow(ctx,
		`SELECT amount FROM balances WHERE asset = $1 AND holder = $2`,
		asset.Hex(), holder.Hex(),
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return amount, nil
}

// GetEventsByAccount возвращает события аккаунта, новые первыми.
func (r *PostgresRepository) GetEventsByAccount(ctx context.Context, account common.Address) ([]model.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT topic, asset, amount, plan, end_time, created_at
		 FROM stake_events
		 WHERE account = $1
		 ORDER BY id DESC`,
		account.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer rows.Close()

	var res []model.Event
	for rows.Next() {
		var (
			topic     string
			asset     string
			amount    int64
			plan      int64
			endTime   *time.Time
			createdAt time.Time
		)
		if err := rows.Scan(&topic, &asset, &amount, &plan, &endTime, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		ev := model.Event{
			Topic:     model.EventTopic(topic),
			Account:   account,
			Asset:     common.HexToAddress(asset),
			Amount:    amount,
			Plan:      model.Plan(plan),
			CreatedAt: createdAt.UTC(),
		}
		if endTime != nil {
			ev.EndTime = endTime.UTC()
		}
		res = append(res, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func getStake(ctx context.Context, q querier, account common.Address) (model.StakeRecord, bool, error) {
	var (
		asset   string
		plan    int64
		endTime time.Time
		rec     = model.StakeRecord{Owner: account}
	)

	err := q.QueryRow(ctx,
		`SELECT asset, total_staked, last_staked, reward_amount, plan, end_time
		 FROM stake_records
		 WHERE account = $1`,
		account.Hex(),
	).Scan(&asset, &rec.TotalStaked, &rec.LastStaked, &rec.RewardAmount, &plan, &endTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StakeRecord{}, false, nil
		}
		return model.StakeRecord{}, false, fmt.Errorf("select stake: %w", err)
	}

	rec.Asset = common.HexToAddress(asset)
	rec.Plan = model.Plan(plan)
	rec.EndTime = endTime.UTC()

	return rec, true, nil
}

func getSettings(ctx context.Context, q querier) (model.Settings, bool, error) {
	var rewardAsset, admin string
	err := q.QueryRow(ctx,
		`SELECT reward_asset, admin FROM ledger_settings WHERE id = 1`,
	).Scan(&rewardAsset, &admin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Settings{}, false, nil
		}
		return model.Settings{}, false, fmt.Errorf("select settings: %w", err)
	}

	return model.Settings{
		RewardAsset: common.HexToAddress(rewardAsset),
		Admin:       common.HexToAddress(admin),
	}, true, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, account common.Address) error {
	// Запись может ещё не существовать, поэтому вместо FOR UPDATE берём advisory lock.
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, account.Hex()); err != nil {
		return fmt.Errorf("lock account: %w", err)
	}
	return nil
}

func (t *pgTx) LockAsset(ctx context.Context, asset common.Address) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('pool:' || $1, 0))`, asset.Hex()); err != nil {
		return fmt.Errorf("lock asset: %w", err)
	}
	return nil
}

func (t *pgTx) GetStake(ctx context.Context, account common.Address) (model.StakeRecord, bool, error) {
	return getStake(ctx, t.tx, account)
}

func (t *pgTx) PutStake(ctx context.Context, rec model.StakeRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO stake_records (account, asset, total_staked, last_staked, reward_amount, plan, end_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (account) DO UPDATE SET
		     asset = EXCLUDED.asset,
		     total_staked = EXCLUDED.total_staked,
		     last_staked = EXCLUDED.last_staked,
		     reward_amount = EXCLUDED.reward_amount,
		     plan = EXCLUDED.plan,
		     end_time = EXCLUDED.end_time,
		     updated_at = now()`,
		rec.Owner.Hex(), rec.Asset.Hex(), rec.TotalStaked, rec.LastStaked, rec.RewardAmount, int64(rec.Plan), rec.EndTime,
	)
	if err != nil {
		return fmt.Errorf("upsert stake: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteStake(ctx context.Context, account common.Address) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM stake_records WHERE account = $1`, account.Hex()); err != nil {
		return fmt.Errorf("delete stake: %w", err)
	}
	return nil
}

func (t *pgTx) GetSettings(ctx context.Context) (model.Settings, bool, error) {
	return getSettings(ctx, t.tx)
}

func (t *pgTx) InitSettings(ctx context.Context, s model.Settings) error {
	cmdTag, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_settings (id, reward_asset, admin) VALUES (1, $1, $2) ON CONFLICT (id) DO NOTHING`,
		s.RewardAsset.Hex(), s.Admin.Hex(),
	)
	if err != nil {
		return fmt.Errorf("insert settings: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAlreadyInitialized
	}
	return nil
}

func (t *pgTx) Transfer(ctx context.Context, asset, from, to common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidTransfer
	}

	cmdTag, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $3 WHERE asset = $1 AND holder = $2 AND amount >= $3`,
		asset.Hex(), from.Hex(), amount,
	)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s holds less than %d of %s", ErrInsufficientBalance, from.Hex(), amount, asset.Hex())
	}

	return t.Credit(ctx, asset, to, amount)
}

func (t *pgTx) Credit(ctx context.Context, asset, to common.Address, amount int64) error {
	if amount <= 0 {
		return ErrInvalidTransfer
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (asset, holder, amount) VALUES ($1, $2, $3)
		 ON CONFLICT (asset, holder) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		asset.Hex(), to.Hex(), amount,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.NumericValueOutOfRange {
			return fmt.Errorf("%w: %s", ErrBalanceOverflow, to.Hex())
		}
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

// FreeBalance читает баланс и застейканную сумму одним запросом, чтобы оба
// значения относились к одному снимку.
func (t *pgTx) FreeBalance(ctx context.Context, asset, holder common.Address) (int64, error) {
	var free int64
	err := t.tx.QueryRow(ctx,
		`SELECT (COALESCE((SELECT amount FROM balances WHERE asset = $1 AND holder = $2), 0)
		       - COALESCE((SELECT SUM(total_staked) FROM stake_records WHERE asset = $1), 0))::BIGINT`,
		asset.Hex(), holder.Hex(),
	).Scan(&free)
	if err != nil {
		return 0, fmt.Errorf("select free balance: %w", err)
	}
	return free, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, ev model.Event) error {
	var endTime *time.Time
	if !ev.EndTime.IsZero() {
		endTime = &ev.EndTime
	}

	_, err := t.tx.Exec(ctx,
		`INSERT INTO stake_events (topic, account, asset, amount, plan, end_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(ev.Topic), ev.Account.Hex(), ev.Asset.Hex(), ev.Amount, int64(ev.Plan), endTime, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}
