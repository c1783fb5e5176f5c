package interview

import (
	"interview-talk/server/internal/classify"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/speech"
)

// event 是投递给控制器事件循环的完成消息。
// seq 对应发起该任务时分配的任务号，与当前待完成任务不一致的事件会被丢弃。
type event interface {
	taskSeq() uint64
}

type speechDone struct {
	seq    uint64
	result speech.OutputResult
	err    error
}

type captureDone struct {
	seq    uint64
	result speech.CaptureResult
	err    error
}

// silenceElapsed 由静默计时器投递。
type silenceElapsed struct {
	seq uint64
}

// relisten 是延迟后重新采集的调度事件。
type relisten struct {
	seq uint64
}

type classified struct {
	seq      uint64
	decision classify.Decision
	err      error
}

type followUpReady struct {
	seq  uint64
	text string
	err  error
}

// userChoice 不对应后台任务，带回执通道。
type userChoice struct {
	choice model.UserChoice
	reply  chan error
}

func (e speechDone) taskSeq() uint64     { return e.seq }
func (e captureDone) taskSeq() uint64    { return e.seq }
func (e silenceElapsed) taskSeq() uint64 { return e.seq }
func (e relisten) taskSeq() uint64       { return e.seq }
func (e classified) taskSeq() uint64     { return e.seq }
func (e followUpReady) taskSeq() uint64  { return e.seq }
func (e userChoice) taskSeq() uint64     { return 0 }

// taskKind 标记当前待完成任务的类别，用于导出快照里的派生标志。
type taskKind int

const (
	taskNone taskKind = iota
	taskSpeech
	taskCapture
	taskRelisten
	taskClassify
	taskFollowUp
)
