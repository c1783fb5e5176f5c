package gateway

import (
	"time"

	"interview-talk/server/internal/model"
)

// EventType 定义了网关处理的事件类型
type EventType string

const (
	// 服务端 → 客户端
	EventTypeSpeak  EventType = "speak"  // 请求客户端朗读一句话
	EventTypeListen EventType = "listen" // 请求客户端采集一次回答
	EventTypeState  EventType = "state"  // 状态迁移
	EventTypeNotice EventType = "notice" // 提示文本（不朗读）
	EventTypeError  EventType = "error"

	// 客户端 → 服务端
	EventTypeTTSCompleted EventType = "tts_completed" // 朗读完成
	EventTypeTTSFailed    EventType = "tts_failed"    // 朗读失败
	EventTypeASRFinal     EventType = "asr_final"     // 最终转写
	EventTypeASRTimeout   EventType = "asr_timeout"   // 等待开口超时
	EventTypeASRNoMatch   EventType = "asr_no_match"  // 听到但未识别
	EventTypeUserChoice   EventType = "user_choice"   // confirm / retry
)

// ClientMessage 客户端发送给网关的消息（WebSocket文本帧）
type ClientMessage struct {
	Type      EventType        `json:"type"`
	RequestID string           `json:"request_id,omitempty"` // 对应 speak/listen 的请求
	Text      string           `json:"text,omitempty"`
	Choice    model.UserChoice `json:"choice,omitempty"`
	Error     string           `json:"error,omitempty"`
	ClientTS  time.Time        `json:"client_ts,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type        EventType   `json:"type"`
	Seq         int64       `json:"seq,omitempty"` // 服务端序号
	RequestID   string      `json:"request_id,omitempty"`
	Text        string      `json:"text,omitempty"`
	From        model.State `json:"from,omitempty"`
	State       model.State `json:"state,omitempty"`
	Kind        string      `json:"kind,omitempty"`
	TimeoutMS   int64       `json:"timeout_ms,omitempty"`
	MaxPhraseMS int64       `json:"max_phrase_ms,omitempty"`
	ServerTS    time.Time   `json:"server_ts"`
	Error       string      `json:"error,omitempty"`
}
