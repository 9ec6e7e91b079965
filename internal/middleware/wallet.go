package middleware

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AuthMessagePrefix начинает сообщение, подписываемое кошельком при входе.
const AuthMessagePrefix = "staking-auth:"

const (
	authMessageMaxAge    = 5 * time.Minute
	authMessageMaxSkew   = time.Minute
	walletSignatureBytes = 65
)

// ErrInvalidSignature возвращается, если подпись не подтверждает владение адресом.
var ErrInvalidSignature = errors.New("invalid wallet signature")

// AuthMessage формирует сообщение для подписи на момент ts.
func AuthMessage(ts time.Time) string {
	return AuthMessagePrefix + strconv.FormatInt(ts.Unix(), 10)
}

// VerifyWalletSignature проверяет подпись personal_sign (EIP-191) сообщения
// вида "staking-auth:{unix}" и свежесть его метки времени относительно now.
func VerifyWalletSignature(address common.Address, message, signature string, now time.Time) error {
	raw, ok := strings.CutPrefix(message, AuthMessagePrefix)
	if !ok {
		return fmt.Errorf("%w: unexpected message format", ErrInvalidSignature)
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp: %v", ErrInvalidSignature, err)
	}

	signedAt := time.Unix(unix, 0)
	if now.Sub(signedAt) > authMessageMaxAge || signedAt.Sub(now) > authMessageMaxSkew {
		return fmt.Errorf("%w: message expired", ErrInvalidSignature)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != walletSignatureBytes {
		return fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := crypto.Keccak256Hash([]byte(prefixed))

	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != address {
		return fmt.Errorf("%w: signer mismatch", ErrInvalidSignature)
	}
	return nil
}
