package model

import "time"

// State 是访谈轮转状态机的命名状态。
// 每个状态只允许特定的动作，避免布尔标志组合出非法状态。
type State string

const (
	StateAwaitStartConfirm State = "AWAIT_START_CONFIRM"
	StateSectionIntro      State = "SECTION_INTRO"
	StateAskQuestion       State = "ASK_QUESTION"
	StateListening         State = "LISTENING"
	// StateAwaitRepeatReply 是 LISTENING 的“是否重复问题”子状态，显式建模。
	StateAwaitRepeatReply State = "AWAIT_REPEAT_REPLY"
	StateClassifying      State = "CLASSIFYING"
	StateFollowUpAsk      State = "FOLLOW_UP_ASK"
	StateConfirmContinue  State = "CONFIRM_CONTINUE"
	StateComplete         State = "COMPLETE"
)

// Action 是一次回答归类后的分支动作。
type Action string

const (
	ActionNone     Action = "NONE"
	ActionContinue Action = "CONTINUE"
	ActionFollowUp Action = "FOLLOW_UP"
)

// UserChoice 是展示层在 CONFIRM_CONTINUE 下回传的选择。
type UserChoice string

const (
	ChoiceConfirm UserChoice = "confirm"
	ChoiceRetry   UserChoice = "retry"
)

// Valid 判断选择是否为已知取值。
func (c UserChoice) Valid() bool {
	return c == ChoiceConfirm || c == ChoiceRetry
}

// Participant 由外部的受访者登记环节提供，会话开始后不再变化。
type Participant struct {
	Age int    `json:"age"`
	Sex string `json:"sex"`
}

// Cursor 指向脚本中的位置。Section == len(sections) 表示访谈已结束。
type Cursor struct {
	Section  int `json:"section"`
	Question int `json:"question"`
}

// Less 按 (section, question) 字典序比较。
func (c Cursor) Less(o Cursor) bool {
	if c.Section != o.Section {
		return c.Section < o.Section
	}
	return c.Question < o.Question
}

// TurnRecord 记录一次提问（脚本问题或追问）及其回答。
// 只由 Turn Controller 写入；后台任务只返回数据。
type TurnRecord struct {
	// Seq 由 transcript store 分配，单调递增。
	Seq    int64  `json:"seq"`
	TurnID string `json:"turn_id"`

	Section       int    `json:"section"`
	QuestionIndex int    `json:"question_index"`
	Question      string `json:"question"`
	Response      string `json:"response"`

	Trait         string  `json:"trait,omitempty"`
	Completeness  float64 `json:"completeness"`
	ScoreFallback bool    `json:"score_fallback,omitempty"`

	LLMAction string `json:"llm_action,omitempty"`
	LLMTag    string `json:"llm_tag,omitempty"`
	LLMRaw    string `json:"llm_raw,omitempty"`
	// LLMError 记录远程调用失败原因，便于离线排查。
	LLMError string `json:"llm_error,omitempty"`

	FollowUp  bool   `json:"follow_up,omitempty"`
	RelatedTo string `json:"related_to,omitempty"`

	// Attempts 统计 retry 之后同一记录被重新作答的次数。
	Attempts int  `json:"attempts,omitempty"`
	Skipped  bool `json:"skipped,omitempty"`

	AskedAt    time.Time `json:"asked_at"`
	AnsweredAt time.Time `json:"answered_at,omitempty"`
}

// Answered 表示记录已有回答。
func (r TurnRecord) Answered() bool {
	return r.Response != ""
}

// SessionFlags 是控制器私有状态的只读导出视图。
// 除 SectionIntroPlayed/SilenceStrikeCount/PendingAction 外，其余由当前状态推导。
type SessionFlags struct {
	AwaitingStartConfirmation bool   `json:"awaiting_start_confirmation"`
	AwaitingRepeatReply       bool   `json:"awaiting_repeat_reply"`
	SectionIntroPlayed        bool   `json:"section_intro_played"`
	SilenceStrikeCount        int    `json:"silence_strike_count"`
	SpeechOutputBusy          bool   `json:"speech_output_busy"`
	CaptureEnabled            bool   `json:"capture_enabled"`
	PendingAction             Action `json:"pending_action"`
}

// SessionState 是一个访谈会话的快照，每个控制器步骤结束后写入 session store。
type SessionState struct {
	SessionID     string       `json:"session_id"`
	Participant   Participant  `json:"participant"`
	State         State        `json:"state"`
	Cursor        Cursor       `json:"cursor"`
	SectionCount  int          `json:"section_count"`
	Flags         SessionFlags `json:"flags"`
	CurrentPrompt string       `json:"current_prompt"`
	TranscriptLen int          `json:"transcript_len"`
	// Ended 在 Run 返回（完成或中断）且记录已定稿后置位，会话不能再次运行。
	Ended         bool         `json:"ended"`
	// LastError 是最近一次记录写入失败的原因。
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Notice 是给展示层的一句简短提示（例如“慢慢来”），不会被朗读。
type Notice struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

const (
	NoticeTakeYourTime  = "take_your_time"
	NoticeNotCaught     = "not_caught"
	NoticeSayYes        = "say_yes"
	NoticeProcessing    = "processing"
	NoticeReadyContinue = "ready_to_continue"
	NoticeLLMFallback   = "llm_fallback"
)

// CreateSessionRequest 是创建访谈会话的请求体。
type CreateSessionRequest struct {
	Age int    `json:"age"`
	Sex string `json:"sex"`
}

// CreateSessionResponse 是创建会话的响应结构体。
type CreateSessionResponse struct {
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`
}

// ChoiceRequest 是 confirm/retry 的请求体。
type ChoiceRequest struct {
	Choice UserChoice `json:"choice"`
}
