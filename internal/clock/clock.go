// Package clock предоставляет источники времени леджера.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Source возвращает смещение эталонного времени относительно локальных часов.
type Source interface {
	Offset(ctx context.Context) (time.Duration, error)
}

// Observer получает каждое успешно измеренное смещение.
type Observer interface {
	ObserveClockOffset(offset time.Duration)
}

// RateLimitError возвращается источником, который попросил повторить запрос позже.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("time source rate limited, retry after %s", e.RetryAfter)
}

// System отдаёт время локальных часов без коррекции.
type System struct{}

// Now возвращает текущее время в UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Synced корректирует локальные часы на смещение от внешнего источника.
type Synced struct {
	source   Source
	interval time.Duration
	logger   *zap.Logger
	observer Observer
	offset   atomic.Int64
	now      func() time.Time
}

// NewSynced создаёт часы, синхронизируемые с source каждые interval.
func NewSynced(source Source, interval time.Duration, logger *zap.Logger, observer Observer) *Synced {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synced{
		source:   source,
		interval: interval,
		logger:   logger,
		observer: observer,
		now:      time.Now,
	}
}

// Now возвращает скорректированное время в UTC.
func (c *Synced) Now() time.Time {
	return c.now().Add(c.Offset()).UTC()
}

// Offset возвращает последнее применённое смещение.
func (c *Synced) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Sync однократно запрашивает смещение у источника. Временные сбои
// повторяются с экспоненциальной задержкой; отказ по лимиту запросов
// возвращается сразу, чтобы вызывающий выждал RetryAfter.
func (c *Synced) Sync(ctx context.Context) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))

	var offset time.Duration
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		offset, err = c.source.Offset(ctx)
		if err == nil {
			return nil
		}
		var rl *RateLimitError
		if errors.As(err, &rl) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("sync clock: %w", err)
	}

	c.offset.Store(int64(offset))
	if c.observer != nil {
		c.observer.ObserveClockOffset(offset)
	}
	c.logger.Debug("clock synchronized", zap.Duration("offset", offset))
	return nil
}

// Run синхронизирует часы до отмены ctx. Между попытками выдерживается
// interval, а после отказа по лимиту запросов — запрошенная источником пауза.
func (c *Synced) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Sync(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("clock sync failed", zap.Error(err))

			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				timer := time.NewTimer(rl.RetryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
