// Package service реализует бизнес-логику леджера стейкинга.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmeshcher/staking-ledger/internal/model"
	"github.com/mmeshcher/staking-ledger/internal/plan"
	"github.com/mmeshcher/staking-ledger/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn repository.TxFunc) error
	GetStake(ctx context.Context, account common.Address) (model.StakeRecord, bool, error)
	GetSettings(ctx context.Context) (model.Settings, bool, error)
	GetBalance(ctx context.Context, asset, holder common.Address) (int64, error)
	GetEventsByAccount(ctx context.Context, account common.Address) ([]model.Event, error)
}

// Authorizer проверяет, что вызывающий контролирует principal.
type Authorizer interface {
	RequireAuth(ctx context.Context, principal common.Address) error
}

// Clock отдаёт текущее время леджера.
type Clock interface {
	Now() time.Time
}

// Service содержит бизнес-логику леджера стейкинга.
type Service struct {
	repo    Repository
	auth    Authorizer
	clock   Clock
	custody common.Address
}

// NewService создаёт сервис. custody — собственный адрес леджера, на котором
// хранятся застейканные средства и пул наград.
func NewService(repo Repository, auth Authorizer, clock Clock, custody common.Address) *Service {
	return &Service{
		repo:    repo,
		auth:    auth,
		clock:   clock,
		custody: custody,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Custody возвращает адрес хранения средств леджера.
func (s *Service) Custody() common.Address {
	return s.custody
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}

func (s *Service) requireAuth(ctx context.Context, principal common.Address) error {
	if err := s.auth.RequireAuth(ctx, principal); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnauthorized, principal.Hex(), err)
	}
	return nil
}

// transfer переводит средства и приводит отказ перевода к ErrTransferFailed.
func transfer(ctx context.Context, tx repository.Tx, asset, from, to common.Address, amount int64) error {
	err := tx.Transfer(ctx, asset, from, to, amount)
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrInsufficientBalance) ||
		errors.Is(err, repository.ErrBalanceOverflow) ||
		errors.Is(err, repository.ErrInvalidTransfer) {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return err
}

// Initialize однократно задаёт актив наград и администратора.
func (s *Service) Initialize(ctx context.Context, rewardAsset, admin common.Address) error {
	if err := s.requireAuth(ctx, admin); err != nil {
		return err
	}

	return s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, ok, err := tx.GetSettings(ctx); err != nil {
			return err
		} else if ok {
			return ErrAlreadyInitialized
		}

		err := tx.InitSettings(ctx, model.Settings{RewardAsset: rewardAsset, Admin: admin})
		if err != nil {
			if errors.Is(err, repository.ErrAlreadyInitialized) {
				return ErrAlreadyInitialized
			}
			return err
		}

		return tx.AppendEvent(ctx, model.Event{
			Topic:     model.EventInit,
			Account:   admin,
			Asset:     rewardAsset,
			CreatedAt: s.now(),
		})
	})
}

// Stake блокирует amount актива asset на срок p. Повторный стейк суммируется с
// текущей позицией и начинает срок заново от текущего момента.
func (s *Service) Stake(ctx context.Context, amount int64, account common.Address, p model.Plan, asset common.Address) (model.StakeReceipt, error) {
	if err := s.requireAuth(ctx, account); err != nil {
		return model.StakeReceipt{}, err
	}
	if !plan.IsValid(p) {
		return model.StakeReceipt{}, fmt.Errorf("%w: %d", ErrPlanNotExist, p)
	}
	if amount <= 0 {
		return model.StakeReceipt{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	var rec model.StakeRecord
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.LockAccount(ctx, account); err != nil {
			return err
		}

		existing, ok, err := tx.GetStake(ctx, account)
		if err != nil {
			return err
		}

		total := amount
		if ok && existing.Owner == account {
			if existing.TotalStaked > 0 && existing.Asset != asset {
				return fmt.Errorf("%w: position holds %s", ErrAssetMismatch, existing.Asset.Hex())
			}
			if existing.TotalStaked > math.MaxInt64-amount {
				return fmt.Errorf("%w: total stake overflows", ErrInvalidAmount)
			}
			total += existing.TotalStaked
		}

		now := s.now()
		// RewardAmount остаётся нулевым: награда вычисляется по плану при выплате.
		rec = model.StakeRecord{
			Owner:       account,
			Asset:       asset,
			TotalStaked: total,
			LastStaked:  amount,
			Plan:        p,
			EndTime:     now.Add(plan.Term(p)),
		}

		// Средства списываются до записи позиции: неоплаченный стейк не фиксируется.
		if err := transfer(ctx, tx, asset, account, s.custody, amount); err != nil {
			return err
		}
		if err := tx.PutStake(ctx, rec); err != nil {
			return err
		}

		return tx.AppendEvent(ctx, model.Event{
			Topic:     model.EventStake,
			Account:   account,
			Asset:     asset,
			Amount:    amount,
			Plan:      p,
			EndTime:   rec.EndTime,
			CreatedAt: now,
		})
	})
	if err != nil {
		return model.StakeReceipt{}, err
	}

	return model.StakeReceipt{Record: rec, Custody: s.custody}, nil
}

// Unstake возвращает всю застейканную сумму после окончания срока.
// Запись сохраняется с нулевой суммой до получения награды.
func (s *Service) Unstake(ctx context.Context, account, asset common.Address) (model.StakeRecord, error) {
	if err := s.requireAuth(ctx, account); err != nil {
		return model.StakeRecord{}, err
	}

	var rec model.StakeRecord
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.LockAccount(ctx, account); err != nil {
			return err
		}

		existing, ok, err := tx.GetStake(ctx, account)
		if err != nil {
			return err
		}
		if !ok || existing.Owner != account {
			return ErrStakeDetailNotExist
		}
		if existing.Asset != asset {
			return fmt.Errorf("%w: position holds %s", ErrAssetMismatch, existing.Asset.Hex())
		}

		now := s.now()
		if now.Before(existing.EndTime) {
			return fmt.Errorf("%w: unlocks at %s", ErrPlanNotFinished, existing.EndTime.Format(time.RFC3339))
		}

		released := existing.TotalStaked
		if released > 0 {
			if err := transfer(ctx, tx, asset, s.custody, account, released); err != nil {
				return err
			}
		}

		rec = existing
		rec.TotalStaked = 0
		if err := tx.PutStake(ctx, rec); err != nil {
			return err
		}

		return tx.AppendEvent(ctx, model.Event{
			Topic:     model.EventUnstake,
			Account:   account,
			Asset:     asset,
			Amount:    released,
			Plan:      rec.Plan,
			EndTime:   rec.EndTime,
			CreatedAt: now,
		})
	})
	if err != nil {
		return model.StakeRecord{}, err
	}

	return rec, nil
}

func rewardFor(rec model.StakeRecord, ok bool) (model.Reward, error) {
	if !ok {
		return model.Reward{}, ErrStakeDetailNotExist
	}
	if rec.TotalStaked == 0 {
		return model.Reward{}, ErrZeroStake
	}
	return model.Reward{Record: rec, Amount: plan.Reward(rec.Plan)}, nil
}

// CalculateReward возвращает позицию и фиксированную награду по её плану.
func (s *Service) CalculateReward(ctx context.Context, account common.Address) (model.Reward, error) {
	rec, ok, err := s.repo.GetStake(ctx, account)
	if err != nil {
		return model.Reward{}, err
	}
	return rewardFor(rec, ok)
}

// ClaimReward закрывает позицию: выплачивает награду в активе наград, возвращает
// остаток застейканной суммы и удаляет запись. Срок плана должен быть завершён.
func (s *Service) ClaimReward(ctx context.Context, account common.Address) (model.Reward, error) {
	if err := s.requireAuth(ctx, account); err != nil {
		return model.Reward{}, err
	}

	var reward model.Reward
	err := s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.LockAccount(ctx, account); err != nil {
			return err
		}

		rec, ok, err := tx.GetStake(ctx, account)
		if err != nil {
			return err
		}
		reward, err = rewardFor(rec, ok)
		if err != nil {
			return err
		}

		settings, ok, err := tx.GetSettings(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotInitialized
		}

		now := s.now()
		if now.Before(rec.EndTime) {
			return fmt.Errorf("%w: unlocks at %s", ErrPlanNotFinished, rec.EndTime.Format(time.RFC3339))
		}

		if reward.Amount > 0 {
			if err := s.payReward(ctx, tx, settings.RewardAsset, account, reward.Amount); err != nil {
				return err
			}
		}
		if err := transfer(ctx, tx, rec.Asset, s.custody, account, rec.TotalStaked); err != nil {
			return err
		}
		if err := tx.DeleteStake(ctx, account); err != nil {
			return err
		}

		return tx.AppendEvent(ctx, model.Event{
			Topic:     model.EventClaim,
			Account:   account,
			Asset:     settings.RewardAsset,
			Amount:    reward.Amount,
			Plan:      rec.Plan,
			EndTime:   rec.EndTime,
			CreatedAt: now,
		})
	})
	if err != nil {
		return model.Reward{}, err
	}

	return reward, nil
}

// payReward выплачивает награду только из свободного остатка custody: средства,
// застейканные в активе наград, принадлежат владельцам позиций.
func (s *Service) payReward(ctx context.Context, tx repository.Tx, asset, account common.Address, amount int64) error {
	if err := tx.LockAsset(ctx, asset); err != nil {
		return err
	}
	free, err := tx.FreeBalance(ctx, asset, s.custody)
	if err != nil {
		return err
	}
	if free < amount {
		return fmt.Errorf("%w: reward pool of %s holds %d, need %d", ErrTransferFailed, asset.Hex(), max(free, 0), amount)
	}
	return transfer(ctx, tx, asset, s.custody, account, amount)
}

// GetStakeDetail возвращает позицию аккаунта; ok == false, если позиции нет.
func (s *Service) GetStakeDetail(ctx context.Context, account common.Address) (model.StakeRecord, bool, error) {
	return s.repo.GetStake(ctx, account)
}

// GetRewardToken возвращает актив, в котором выплачиваются награды.
func (s *Service) GetRewardToken(ctx context.Context) (common.Address, error) {
	settings, ok, err := s.repo.GetSettings(ctx)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, ErrNotInitialized
	}
	return settings.RewardAsset, nil
}

// Deposit зачисляет средства на счёт держателя. Доступно только администратору.
func (s *Service) Deposit(ctx context.Context, asset, holder common.Address, amount int64) error {
	settings, ok, err := s.repo.GetSettings(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInitialized
	}
	if err := s.requireAuth(ctx, settings.Admin); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	return s.repo.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Credit(ctx, asset, holder, amount); err != nil {
			if errors.Is(err, repository.ErrBalanceOverflow) {
				return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
			}
			return err
		}

		return tx.AppendEvent(ctx, model.Event{
			Topic:     model.EventDeposit,
			Account:   holder,
			Asset:     asset,
			Amount:    amount,
			CreatedAt: s.now(),
		})
	})
}

// GetBalance возвращает баланс держателя по активу.
func (s *Service) GetBalance(ctx context.Context, asset, holder common.Address) (int64, error) {
	return s.repo.GetBalance(ctx, asset, holder)
}

// GetEvents возвращает историю событий аккаунта.
func (s *Service) GetEvents(ctx context.Context, account common.Address) ([]model.Event, error) {
	return s.repo.GetEventsByAccount(ctx, account)
}

// Plans возвращает каталог тарифов.
func (s *Service) Plans() []model.PlanInfo {
	return plan.All()
}
