package speech

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy 表示上一次播报或采集尚未结束。
	ErrBusy = errors.New("speech task already running")
	// ErrNoSpeech 表示等待期内没有检测到语音。
	ErrNoSpeech = errors.New("no speech detected")
	// ErrUnintelligible 表示检测到语音但无法识别。
	ErrUnintelligible = errors.New("speech not understood")
)

// Synthesizer 把一句文本播放出来，返回时该句已播放完毕。
type Synthesizer interface {
	Say(ctx context.Context, sentence string) error
}

// Recognizer 采集一段回答并转写为文本。
// timeout 是等待开口的时长，maxPhrase 是单次回答的最长时长。
type Recognizer interface {
	Listen(ctx context.Context, timeout, maxPhrase time.Duration) (string, error)
}

// Outcome 采集结果分类
type Outcome string

const (
	OutcomeTranscript     Outcome = "TRANSCRIPT"
	OutcomeSilence        Outcome = "SILENCE"
	OutcomeUnintelligible Outcome = "UNINTELLIGIBLE"
)

// CaptureResult 一次采集的结果
type CaptureResult struct {
	Outcome Outcome
	Text    string
}

// OutputResult 一次播报的结果
type OutputResult struct {
	IsIntro bool
	Spoken  int
	Failed  int
}
