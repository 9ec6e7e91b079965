// Package model содержит доменные сущности сервиса стейкинга.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Plan задаёт срок блокировки в днях.
type Plan uint64

// StakeRecord описывает позицию аккаунта в стейкинге.
type StakeRecord struct {
	Owner        common.Address
	Asset        common.Address
	TotalStaked  int64
	LastStaked   int64
	RewardAmount int64
	Plan         Plan
	EndTime      time.Time
}

// Settings содержит однократно задаваемую конфигурацию леджера.
type Settings struct {
	RewardAsset common.Address
	Admin       common.Address
}

// StakeReceipt возвращается операцией стейкинга.
type StakeReceipt struct {
	Record  StakeRecord
	Custody common.Address
}

// Reward содержит позицию и фиксированную награду по её плану.
type Reward struct {
	Record StakeRecord
	Amount int64
}

// PlanInfo описывает один тариф каталога.
type PlanInfo struct {
	Days   Plan  `json:"days"`
	Reward int64 `json:"reward"`
}

// EventTopic описывает тип события леджера.
type EventTopic string

const (
	EventInit    EventTopic = "init"
	EventStake   EventTopic = "stake"
	EventUnstake EventTopic = "unstake"
	EventClaim   EventTopic = "claim"
	EventDeposit EventTopic = "deposit"
)

// Event описывает событие, опубликованное леджером.
type Event struct {
	Topic     EventTopic
	Account   common.Address
	Asset     common.Address
	Amount    int64
	Plan      Plan
	EndTime   time.Time
	CreatedAt time.Time
}
