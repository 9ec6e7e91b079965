package service

import "errors"

var (
	// ErrAlreadyInitialized возвращается при повторной инициализации леджера.
	ErrAlreadyInitialized = errors.New("already initialized")
	// ErrNotInitialized возвращается, если конфигурация леджера ещё не задана.
	ErrNotInitialized = errors.New("not initialized")
	// ErrUnauthorized возвращается, если вызывающий не подтвердил контроль над аккаунтом.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPlanNotExist возвращается для срока вне каталога.
	ErrPlanNotExist = errors.New("plan does not exist")
	// ErrStakeDetailNotExist возвращается, если у аккаунта нет позиции.
	ErrStakeDetailNotExist = errors.New("stake detail does not exist")
	// ErrPlanNotFinished возвращается до истечения срока блокировки.
	ErrPlanNotFinished = errors.New("plan not finished")
	// ErrZeroStake возвращается для позиции с нулевой суммой.
	ErrZeroStake = errors.New("zero stake")
	// ErrTransferFailed возвращается, если перевод средств отклонён.
	ErrTransferFailed = errors.New("transfer failed")
	// ErrInvalidAmount возвращается для неположительной или переполняющей суммы.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrAssetMismatch возвращается, если актив не совпадает с активом позиции.
	ErrAssetMismatch = errors.New("asset mismatch")
)
