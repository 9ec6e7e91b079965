package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

const defaultNTPTimeout = 5 * time.Second

// NTPSource измеряет смещение по NTP-серверу.
type NTPSource struct {
	host    string
	timeout time.Duration
	query   func(host string, opt ntp.QueryOptions) (*ntp.Response, error)
}

// NewNTPSource создаёт источник для указанного NTP-сервера.
func NewNTPSource(host string) *NTPSource {
	return &NTPSource{host: host, timeout: defaultNTPTimeout, query: ntp.QueryWithOptions}
}

// Offset запрашивает сервер и возвращает смещение локальных часов.
// Запрос не длится дольше дедлайна ctx.
func (s *NTPSource) Offset(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	resp, err := s.query(s.host, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, fmt.Errorf("query ntp %s: %w", s.host, err)
	}
	return resp.ClockOffset, nil
}
