package speech

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/logging"
)

// Capture 采集一次回答。播报进行中或已有采集时拒绝启动。
type Capture struct {
	rec    Recognizer
	output *Output
	busy   atomic.Bool
	logger *logrus.Entry
}

func NewCapture(rec Recognizer, output *Output, logger *logrus.Entry) *Capture {
	return &Capture{
		rec:    rec,
		output: output,
		logger: logging.OrDiscard(logger).WithField("component", "speech_capture"),
	}
}

// Listen 阻塞直到识别器返回或 timeout+maxPhrase 用尽。只有 ErrBusy 作为错误返回，其余情况都映射为 Outcome。
func (c *Capture) Listen(ctx context.Context, timeout, maxPhrase time.Duration) (CaptureResult, error) {
	if c.output != nil && c.output.Busy() {
		return CaptureResult{}, ErrBusy
	}
	if !c.busy.CompareAndSwap(false, true) {
		return CaptureResult{}, ErrBusy
	}
	defer c.busy.Store(false)

	// 识别器（例如远端浏览器）不一定遵守 timeout，这里兜住上限。
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+maxPhrase)
		defer cancel()
	}

	text, err := c.rec.Listen(ctx, timeout, maxPhrase)
	switch {
	case err == nil:
		text = strings.TrimSpace(text)
		if text == "" {
			return CaptureResult{Outcome: OutcomeUnintelligible}, nil
		}
		return CaptureResult{Outcome: OutcomeTranscript, Text: text}, nil
	case errors.Is(err, ErrNoSpeech),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return CaptureResult{Outcome: OutcomeSilence}, nil
	case errors.Is(err, ErrUnintelligible):
		return CaptureResult{Outcome: OutcomeUnintelligible}, nil
	default:
		c.logger.WithError(err).Warn("recognizer failed")
		return CaptureResult{Outcome: OutcomeUnintelligible}, nil
	}
}
