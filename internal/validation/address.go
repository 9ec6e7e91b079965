// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseAddress разбирает hex-адрес аккаунта или актива.
// Нулевой адрес считается некорректным.
func ParseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}

	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}

	return addr, true
}

// IsValidAmount проверяет, что сумма положительна.
func IsValidAmount(amount int64) bool {
	return amount > 0
}
