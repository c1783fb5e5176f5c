package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/logging"
)

// RetryError 表示重试耗尽后的失败，Err 为最后一次的错误。
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("llm request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Retrying 为任意 Client 增加固定次数、线性退避的重试。
type Retrying struct {
	next    Client
	retries int
	backoff time.Duration
	logger  *logrus.Entry
	sleep   func(ctx context.Context, d time.Duration) error
}

// WithRetry 包装 Client。retries 为首次调用之外的次数，第 n 次失败后等待 backoff*n。
func WithRetry(next Client, retries int, backoff time.Duration, logger *logrus.Entry) *Retrying {
	if retries < 0 {
		retries = 0
	}
	return &Retrying{
		next:    next,
		retries: retries,
		backoff: backoff,
		logger:  logging.OrDiscard(logger).WithField("component", "llm"),
		sleep:   sleepCtx,
	}
}

func (r *Retrying) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	var lastErr error
	attempts := r.retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := r.next.Complete(ctx, messages, schema)
		if err == nil {
			return out, nil
		}
		lastErr = err
		r.logger.WithFields(logrus.Fields{"attempt": attempt, "max": attempts}).WithError(err).Warn("llm request failed")

		if ctx.Err() != nil {
			return "", &RetryError{Attempts: attempt, Err: ctx.Err()}
		}
		if attempt < attempts {
			if err := r.sleep(ctx, r.backoff*time.Duration(attempt)); err != nil {
				return "", &RetryError{Attempts: attempt, Err: err}
			}
		}
	}
	return "", &RetryError{Attempts: attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
