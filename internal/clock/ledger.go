package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// LedgerSource получает эталонное время от внешнего леджера по HTTP.
type LedgerSource struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type ledgerTime struct {
	Timestamp int64 `json:"timestamp"`
}

// NewLedgerSource создаёт HTTP-источник времени по указанному адресу.
func NewLedgerSource(baseURL string) *LedgerSource {
	return &LedgerSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		now: time.Now,
	}
}

// Offset запрашивает время леджера и возвращает его смещение от локальных часов.
// Ответ 429 превращается в *RateLimitError с паузой из Retry-After.
func (s *LedgerSource) Offset(ctx context.Context) (time.Duration, error) {
	if s == nil || s.baseURL == "" {
		return 0, fmt.Errorf("ledger time source not configured")
	}

	base := s.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/time", nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	sent := s.now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	received := s.now()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return 0, &RateLimitError{RetryAfter: retryAfter}
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result ledgerTime
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if result.Timestamp <= 0 {
		return 0, fmt.Errorf("invalid timestamp: %d", result.Timestamp)
	}

	// Время леджера сравнивается с серединой интервала запроса.
	local := sent.Add(received.Sub(sent) / 2)
	return time.Unix(result.Timestamp, 0).Sub(local).Truncate(time.Second), nil
}
