// Package plan содержит фиксированный каталог сроков блокировки и наград.
package plan

import (
	"sort"
	"time"

	"github.com/mmeshcher/staking-ledger/internal/model"
)

const secondsPerDay = 24 * 60 * 60

// rewards задаёт фиксированную награду за срок независимо от суммы стейка.
var rewards = map[model.Plan]int64{
	7:  14,
	14: 28,
	30: 60,
}

// IsValid сообщает, входит ли план в каталог.
func IsValid(p model.Plan) bool {
	_, ok := rewards[p]
	return ok
}

// TermSeconds возвращает длительность плана в секундах.
func TermSeconds(p model.Plan) int64 {
	return int64(p) * secondsPerDay
}

// Term возвращает длительность плана.
func Term(p model.Plan) time.Duration {
	return time.Duration(TermSeconds(p)) * time.Second
}

// Reward возвращает награду за план или 0 для плана вне каталога.
func Reward(p model.Plan) int64 {
	return rewards[p]
}

// All возвращает каталог, упорядоченный по сроку.
func All() []model.PlanInfo {
	res := make([]model.PlanInfo, 0, len(rewards))
	for p, r := range rewards {
		res = append(res, model.PlanInfo{Days: p, Reward: r})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Days < res[j].Days })
	return res
}
