package repository

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mmeshcher/staking-ledger/internal/model"
)

var (
	// ErrAlreadyInitialized возвращается при повторной записи конфигурации леджера.
	ErrAlreadyInitialized = errors.New("ledger already initialized")
	// ErrInsufficientBalance возвращается, если у отправителя недостаточно средств для перевода.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrBalanceOverflow возвращается, если зачисление переполняет баланс получателя.
	ErrBalanceOverflow = errors.New("balance overflow")
	// ErrInvalidTransfer возвращается для перевода с неположительной суммой.
	ErrInvalidTransfer = errors.New("transfer amount must be positive")
)

// Tx описывает единицу работы: изменения записей, балансов и событий
// фиксируются вместе или не фиксируются вовсе.
type Tx interface {
	// LockAccount сериализует операции над позицией аккаунта до конца транзакции.
	LockAccount(ctx context.Context, account common.Address) error
	// LockAsset сериализует выплаты из пула актива до конца транзакции.
	LockAsset(ctx context.Context, asset common.Address) error
	GetStake(ctx context.Context, account common.Address) (model.StakeRecord, bool, error)
	PutStake(ctx context.Context, rec model.StakeRecord) error
	DeleteStake(ctx context.Context, account common.Address) error
	GetSettings(ctx context.Context) (model.Settings, bool, error)
	// InitSettings записывает конфигурацию, если она ещё не была записана.
	InitSettings(ctx context.Context, s model.Settings) error
	// Transfer переводит amount актива asset со счёта from на счёт to.
	Transfer(ctx context.Context, asset, from, to common.Address, amount int64) error
	// Credit зачисляет amount актива asset на счёт to.
	Credit(ctx context.Context, asset, to common.Address, amount int64) error
	// FreeBalance возвращает баланс holder по активу за вычетом суммы,
	// застейканной в этом активе по всем позициям.
	FreeBalance(ctx context.Context, asset, holder common.Address) (int64, error)
	AppendEvent(ctx context.Context, ev model.Event) error
}

// TxFunc выполняется внутри транзакции хранилища.
type TxFunc func(ctx context.Context, tx Tx) error
