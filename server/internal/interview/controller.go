package interview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/classify"
	"interview-talk/server/internal/config"
	"interview-talk/server/internal/logging"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/script"
	"interview-talk/server/internal/session"
	"interview-talk/server/internal/speech"
	"interview-talk/server/internal/transcript"
)

var (
	// ErrChoiceNotExpected 表示当前状态不接受 confirm/retry。
	ErrChoiceNotExpected = errors.New("choice not expected in current state")
	ErrInvalidChoice     = errors.New("invalid choice")
	ErrAlreadyRunning    = errors.New("controller already running")
)

// busyRetryDelay 是采集器仍被上一次（已超时）采集占用时的重试间隔。
const busyRetryDelay = 50 * time.Millisecond

// Deps 控制器依赖
type Deps struct {
	Script     *script.Script
	Pipeline   *classify.Pipeline
	Output     *speech.Output
	Capture    *speech.Capture
	Transcript transcript.Store
	// Sink 与 Sessions 可选。
	Sink     transcript.Sink
	Sessions session.Store
	Observer Observer
	Logger   *logrus.Entry
	Now      func() time.Time
}

// Options 控制器参数
type Options struct {
	Speech    config.SpeechConfig
	Interview config.InterviewConfig
}

// prompt 是当前等待回答的问题（脚本问题或追问）。
type prompt struct {
	text      string
	section   int
	index     int
	followUp  bool
	relatedTo string
	askedAt   time.Time
}

// Controller 是单个访谈会话的轮转状态机。
//
// 所有状态只在 Run 的事件循环里修改；播报、采集、分类、追问生成和延迟重听
// 都是短命的 goroutine，完成后各自投递一个事件。任意时刻最多一个待完成任务。
type Controller struct {
	sessionID   string
	participant model.Participant

	script     *script.Script
	pipeline   *classify.Pipeline
	output     *speech.Output
	capture    *speech.Capture
	transcript transcript.Store
	sink       transcript.Sink
	sessions   session.Store
	observer   Observer
	logger     *logrus.Entry
	now        func() time.Time

	speechCfg config.SpeechConfig
	cfg       config.InterviewConfig
	prompts   config.Prompts

	events  chan event
	done    chan struct{}
	started sync.Once
	ctx     context.Context

	// 以下字段只在事件循环内访问
	state         model.State
	cursor        model.Cursor
	introPlayed   bool
	strikes       int
	pendingAction model.Action
	current       prompt
	spoken        string
	// openSeq 指向下一次回答应写入的已有记录（追问或 retry 重开），0 表示新建。
	openSeq       int64
	record        model.TurnRecord
	followUpDepth int
	transcriptLen int
	finished      bool
	ended         bool
	lastErr       string
	// fatal 非空表示记录已无法写入，事件循环随即退出。
	fatal         error
	createdAt     time.Time

	taskSeq       uint64
	pending       uint64
	pendingKind   taskKind
	silenceTimer  *time.Timer
	relistenTimer *time.Timer
	captureCancel context.CancelFunc

	snapMu sync.RWMutex
	snap   model.SessionState
}

// NewController 创建控制器，Run 之前不会产生任何输出。
func NewController(sessionID string, participant model.Participant, deps Deps, opts Options) *Controller {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	prompts := opts.Interview.Prompts
	if prompts.Invitation == "" {
		prompts = config.DefaultPrompts()
	}

	c := &Controller{
		sessionID:   sessionID,
		participant: participant,
		script:      deps.Script,
		pipeline:    deps.Pipeline,
		output:      deps.Output,
		capture:     deps.Capture,
		transcript:  deps.Transcript,
		sink:        deps.Sink,
		sessions:    deps.Sessions,
		observer:    observer,
		logger:      logging.OrDiscard(deps.Logger).WithFields(logrus.Fields{"component": "interview", "session_id": sessionID}),
		now:         now,
		speechCfg:   opts.Speech,
		cfg:         opts.Interview,
		prompts:     prompts,
		events:      make(chan event, 16),
		done:        make(chan struct{}),
		state:       model.StateAwaitStartConfirm,
		createdAt:   now(),
	}
	c.publish()
	return c
}

// SessionID 返回会话 ID
func (c *Controller) SessionID() string {
	return c.sessionID
}

// Done 在 Run 返回后关闭。
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot 返回最近一次事件处理后的会话快照。
func (c *Controller) Snapshot() model.SessionState {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Submit 提交 CONFIRM_CONTINUE 下的选择；其它状态返回 ErrChoiceNotExpected。
func (c *Controller) Submit(ctx context.Context, choice model.UserChoice) error {
	if !choice.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
	reply := make(chan error, 1)
	select {
	case c.events <- userChoice{choice: choice, reply: reply}:
	case <-c.done:
		return ErrChoiceNotExpected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrChoiceNotExpected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 驱动整场访谈直到 COMPLETE 或 ctx 取消。两种情况下记录都会定稿并写出。
func (c *Controller) Run(ctx context.Context) error {
	err := ErrAlreadyRunning
	c.started.Do(func() { err = c.run(ctx) })
	return err
}

func (c *Controller) run(ctx context.Context) error {
	defer close(c.done)
	c.ctx = ctx

	c.logger.WithFields(logrus.Fields{"sections": c.script.Len(), "age": c.participant.Age}).Info("interview started")
	c.startInvitation()
	c.publish()

	for !c.finished {
		select {
		case <-ctx.Done():
			c.stopTimers()
			c.logger.WithError(ctx.Err()).Warn("interview aborted")
			if err := c.finalize(context.Background()); err != nil {
				c.logger.WithError(err).Error("finalize transcript")
			}
			c.ended = true
			c.publish()
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
			c.publish()
		}
	}

	defer func() {
		c.ended = true
		c.publish()
	}()
	if c.fatal != nil {
		c.logger.WithError(c.fatal).Error("interview stopped, transcript is not writable")
		return fmt.Errorf("interview stopped: %w", c.fatal)
	}

	c.logger.WithField("turns", c.transcriptLen).Info("interview complete")
	return c.finalize(ctx)
}

func (c *Controller) handle(ev event) {
	if uc, ok := ev.(userChoice); ok {
		uc.reply <- c.onChoice(uc.choice)
		return
	}
	if ev.taskSeq() != c.pending {
		c.logger.WithFields(logrus.Fields{"seq": ev.taskSeq(), "pending": c.pending, "event": fmt.Sprintf("%T", ev)}).Debug("stale event ignored")
		return
	}
	c.pending = 0
	c.pendingKind = taskNone

	switch e := ev.(type) {
	case speechDone:
		c.onSpeechDone(e)
	case captureDone:
		c.onCaptureDone(e)
	case silenceElapsed:
		c.onSilenceElapsed()
	case relisten:
		c.onRelisten()
	case classified:
		c.onClassified(e)
	case followUpReady:
		c.onFollowUpReady(e)
	}
}

// ---- 状态入口 ----

func (c *Controller) startInvitation() {
	c.transition(model.StateAwaitStartConfirm)
	c.speak(c.prompts.Invitation, false)
}

// askNext 按游标推进：先播放本部分开场白，再逐题提问，用尽则进入下一部分。
func (c *Controller) askNext() {
	c.openSeq = 0
	c.pendingAction = model.ActionNone
	for {
		if c.script.Done(c.cursor) {
			c.enterComplete()
			return
		}
		sec, _ := c.script.Section(c.cursor)
		if !c.introPlayed {
			c.introPlayed = true
			c.transition(model.StateSectionIntro)
			c.speak(sec.Intro, true)
			return
		}
		if q, ok := c.script.NextQuestion(c.cursor); ok {
			c.current = prompt{text: q, section: c.cursor.Section, index: c.cursor.Question, askedAt: c.now()}
			c.cursor.Question++
			c.followUpDepth = 0
			c.transition(model.StateAskQuestion)
			c.speak(q, false)
			return
		}
		c.cursor.Section++
		c.cursor.Question = 0
		c.introPlayed = false
	}
}

func (c *Controller) enterComplete() {
	c.transition(model.StateComplete)
	c.speak(c.prompts.Closing, false)
}

func (c *Controller) startListening() {
	c.transition(model.StateListening)
	c.listen(true)
}

func (c *Controller) enterConfirm() {
	c.pendingAction = model.ActionContinue
	if c.cfg.AutoConfirm {
		c.askNext()
		return
	}
	c.transition(model.StateConfirmContinue)
	c.notice(model.NoticeReadyContinue, c.prompts.ReadyContinue)
}

// ---- 事件处理 ----

func (c *Controller) onSpeechDone(e speechDone) {
	if e.err != nil {
		c.logger.WithError(e.err).Warn("speech output ended early")
	}
	if e.result.Failed > 0 && e.result.Spoken == 0 {
		c.logger.WithField("text", c.spoken).Warn("nothing could be synthesized")
	}

	switch c.state {
	case model.StateAwaitStartConfirm:
		c.listen(false)
	case model.StateSectionIntro:
		c.askNext()
	case model.StateAskQuestion, model.StateFollowUpAsk:
		c.startListening()
	case model.StateAwaitRepeatReply:
		c.listen(true)
	case model.StateComplete:
		c.finished = true
	}
}

func (c *Controller) onCaptureDone(e captureDone) {
	c.stopSilenceTimer()
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
	if errors.Is(e.err, speech.ErrBusy) {
		c.scheduleRelisten(busyRetryDelay)
		return
	}
	c.onCaptureResult(e.result)
}

func (c *Controller) onSilenceElapsed() {
	c.stopSilenceTimer()
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
	c.logger.WithField("state", c.state).Debug("silence timer fired")
	c.onCaptureResult(speech.CaptureResult{Outcome: speech.OutcomeSilence})
}

func (c *Controller) onCaptureResult(res speech.CaptureResult) {
	switch c.state {
	case model.StateAwaitStartConfirm:
		c.onStartReply(res)
	case model.StateListening:
		c.onAnswerCaptured(res)
	case model.StateAwaitRepeatReply:
		c.onRepeatReply(res)
	}
}

func (c *Controller) onStartReply(res speech.CaptureResult) {
	switch res.Outcome {
	case speech.OutcomeTranscript:
		if IsAffirmative(res.Text) {
			c.logger.WithField("reply", res.Text).Info("start confirmed")
			c.askNext()
			return
		}
		c.notice(model.NoticeSayYes, c.prompts.SayYes)
	case speech.OutcomeUnintelligible:
		c.notice(model.NoticeNotCaught, c.prompts.NotCaught)
	case speech.OutcomeSilence:
		c.notice(model.NoticeSayYes, c.prompts.SayYes)
	}
	c.scheduleRelisten(c.speechCfg.RetryDelay)
}

func (c *Controller) onAnswerCaptured(res speech.CaptureResult) {
	switch res.Outcome {
	case speech.OutcomeTranscript:
		c.strikes = 0
		c.onAnswer(res.Text)
	case speech.OutcomeUnintelligible:
		c.notice(model.NoticeNotCaught, c.prompts.NotCaught)
		c.scheduleRelisten(c.speechCfg.RetryDelay)
	case speech.OutcomeSilence:
		c.strikes++
		if c.strikes == 1 {
			c.notice(model.NoticeTakeYourTime, c.prompts.TakeYourTime)
			c.scheduleRelisten(c.speechCfg.TakeYourTimeDelay)
			return
		}
		c.strikes = 0
		c.transition(model.StateAwaitRepeatReply)
		c.speak(c.prompts.RepeatOffer, false)
	}
}

func (c *Controller) onRepeatReply(res speech.CaptureResult) {
	switch {
	case res.Outcome == speech.OutcomeUnintelligible:
		c.notice(model.NoticeNotCaught, c.prompts.NotCaught)
		c.scheduleRelisten(c.speechCfg.RetryDelay)
	case res.Outcome == speech.OutcomeTranscript && wantsRepeat(res.Text):
		if c.current.followUp {
			c.transition(model.StateFollowUpAsk)
		} else {
			c.transition(model.StateAskQuestion)
		}
		c.speak(c.current.text, false)
	default:
		c.skipOpenFollowUp()
		c.askNext()
	}
}

func (c *Controller) onRelisten() {
	switch c.state {
	case model.StateAwaitStartConfirm:
		c.listen(false)
	case model.StateListening, model.StateAwaitRepeatReply:
		c.listen(true)
	}
}

// onAnswer 同步打分、写入记录，然后发起远程分类。
func (c *Controller) onAnswer(text string) {
	c.transition(model.StateClassifying)
	c.notice(model.NoticeProcessing, c.prompts.Processing)

	assessment := c.pipeline.Assess(c.ctx, c.current.text, text, c.participant)
	if err := c.writeAnswer(text, assessment); err != nil {
		c.storeFailed("write turn record", err)
		return
	}

	seq := c.nextTask(taskClassify)
	question := c.current.text
	go func() {
		d, err := c.pipeline.Classify(c.ctx, question, text)
		c.post(classified{seq: seq, decision: d, err: err})
	}()
}

func (c *Controller) onClassified(e classified) {
	if e.err != nil {
		c.remoteFailed(e.err)
		return
	}

	c.record.LLMAction = string(e.decision.Action)
	c.record.LLMTag = e.decision.Tag
	c.record.LLMRaw = e.decision.Raw
	c.updateRecord()

	needs := classify.NeedsFollowUp(c.record.Completeness, e.decision.Action)
	if needs && c.cfg.MaxFollowUpChain > 0 && c.followUpDepth >= c.cfg.MaxFollowUpChain {
		c.logger.WithField("depth", c.followUpDepth).Info("follow-up chain limit reached")
		needs = false
	}
	if !needs {
		c.enterConfirm()
		return
	}

	c.pendingAction = model.ActionFollowUp
	seq := c.nextTask(taskFollowUp)
	question, answer := c.record.Question, c.record.Response
	go func() {
		text, err := c.pipeline.FollowUp(c.ctx, question, answer)
		c.post(followUpReady{seq: seq, text: text, err: err})
	}()
}

func (c *Controller) onFollowUpReady(e followUpReady) {
	if e.err != nil {
		c.remoteFailed(e.err)
		return
	}

	text := e.text
	if text == "" {
		text = c.pipeline.Backup()
	}
	c.followUpDepth++
	c.current = prompt{
		text:      text,
		section:   c.record.Section,
		index:     c.record.QuestionIndex,
		followUp:  true,
		relatedTo: c.record.Question,
		askedAt:   c.now(),
	}

	rec := model.TurnRecord{
		TurnID:        uuid.NewString(),
		Section:       c.current.section,
		QuestionIndex: c.current.index,
		Question:      text,
		FollowUp:      true,
		RelatedTo:     c.current.relatedTo,
		AskedAt:       c.current.askedAt,
	}
	if _, err := c.transcript.Append(c.ctx, c.sessionID, &rec); err != nil {
		c.storeFailed("append follow-up record", err)
		return
	}
	c.transcriptLen++
	c.record = rec
	c.openSeq = rec.Seq

	c.transition(model.StateFollowUpAsk)
	c.speak(text, false)
}

func (c *Controller) remoteFailed(err error) {
	c.logger.WithError(err).Warn("remote call failed, continuing without follow-up")
	c.record.LLMAction = string(model.ActionContinue)
	c.record.LLMTag = ""
	c.record.LLMError = err.Error()
	c.updateRecord()
	c.notice(model.NoticeLLMFallback, c.prompts.LLMFallback)
	c.enterConfirm()
}

func (c *Controller) onChoice(choice model.UserChoice) error {
	if c.state != model.StateConfirmContinue {
		return ErrChoiceNotExpected
	}
	switch choice {
	case model.ChoiceConfirm:
		c.askNext()
	case model.ChoiceRetry:
		// 游标不动，下一次回答覆盖同一条记录。
		c.openSeq = c.record.Seq
		c.pendingAction = model.ActionNone
		c.startListening()
	default:
		return ErrInvalidChoice
	}
	return nil
}

// ---- 记录 ----

func (c *Controller) writeAnswer(text string, a classify.Assessment) error {
	now := c.now()
	if c.openSeq != 0 && c.record.Seq == c.openSeq {
		if c.record.Answered() {
			c.record.Attempts++
		}
		c.record.Response = text
		c.record.Trait = a.Trait
		c.record.Completeness = a.Completeness
		c.record.ScoreFallback = a.Fallback
		c.record.LLMAction, c.record.LLMTag, c.record.LLMRaw, c.record.LLMError = "", "", "", ""
		c.record.Skipped = false
		c.record.AnsweredAt = now
		c.openSeq = 0
		return c.transcript.Update(c.ctx, c.sessionID, c.record)
	}

	rec := model.TurnRecord{
		TurnID:        uuid.NewString(),
		Section:       c.current.section,
		QuestionIndex: c.current.index,
		Question:      c.current.text,
		Response:      text,
		Trait:         a.Trait,
		Completeness:  a.Completeness,
		ScoreFallback: a.Fallback,
		AskedAt:       c.current.askedAt,
		AnsweredAt:    now,
	}
	if _, err := c.transcript.Append(c.ctx, c.sessionID, &rec); err != nil {
		return err
	}
	c.transcriptLen++
	c.record = rec
	return nil
}

func (c *Controller) updateRecord() {
	if c.record.Seq == 0 {
		return
	}
	if err := c.transcript.Update(c.ctx, c.sessionID, c.record); err != nil {
		c.storeFailed("update turn record", err)
	}
}

// storeFailed 记录写入失败：写进快照；记录已定稿时停止访谈。
func (c *Controller) storeFailed(op string, err error) {
	c.logger.WithError(err).Error(op)
	c.lastErr = fmt.Sprintf("%s: %v", op, err)
	if errors.Is(err, transcript.ErrFinalized) && c.fatal == nil {
		c.fatal = err
		c.finished = true
		c.stopTimers()
	}
}

// skipOpenFollowUp 把未作答的追问标记为跳过。
func (c *Controller) skipOpenFollowUp() {
	if c.openSeq == 0 || c.record.Seq != c.openSeq || c.record.Answered() || !c.record.FollowUp {
		return
	}
	c.record.Skipped = true
	c.updateRecord()
}

func (c *Controller) finalize(ctx context.Context) error {
	records, err := c.transcript.Finalize(ctx, c.sessionID)
	if err != nil {
		return fmt.Errorf("finalize transcript: %w", err)
	}
	if c.sink == nil {
		return nil
	}
	if err := c.sink.Write(ctx, c.sessionID, records); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// ---- 任务 ----

func (c *Controller) nextTask(kind taskKind) uint64 {
	c.taskSeq++
	c.pending = c.taskSeq
	c.pendingKind = kind
	return c.taskSeq
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) speak(text string, isIntro bool) {
	c.spoken = text
	seq := c.nextTask(taskSpeech)
	go func() {
		res, err := c.output.Speak(c.ctx, text, isIntro)
		c.post(speechDone{seq: seq, result: res, err: err})
	}()
}

// listen 发起一次采集；withTimer 为 true 时同时启动静默计时器。
func (c *Controller) listen(withTimer bool) {
	seq := c.nextTask(taskCapture)
	ctx, cancel := context.WithCancel(c.ctx)
	c.captureCancel = cancel

	if withTimer && c.speechCfg.SilenceTimeout > 0 {
		c.silenceTimer = time.AfterFunc(c.speechCfg.SilenceTimeout, func() {
			c.post(silenceElapsed{seq: seq})
		})
	}
	timeout, maxPhrase := c.speechCfg.ListenTimeout, c.speechCfg.MaxPhrase
	go func() {
		res, err := c.capture.Listen(ctx, timeout, maxPhrase)
		c.post(captureDone{seq: seq, result: res, err: err})
	}()
}

// scheduleRelisten 延迟后回到当前状态重新采集。
func (c *Controller) scheduleRelisten(delay time.Duration) {
	seq := c.nextTask(taskRelisten)
	c.relistenTimer = time.AfterFunc(delay, func() {
		c.post(relisten{seq: seq})
	})
}

func (c *Controller) stopSilenceTimer() {
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
}

func (c *Controller) stopTimers() {
	c.stopSilenceTimer()
	if c.relistenTimer != nil {
		c.relistenTimer.Stop()
		c.relistenTimer = nil
	}
	if c.captureCancel != nil {
		c.captureCancel()
		c.captureCancel = nil
	}
}

// ---- 输出 ----

func (c *Controller) transition(to model.State) {
	from := c.state
	c.state = to
	if from == to {
		return
	}
	c.logger.WithFields(logrus.Fields{"from": from, "to": to, "section": c.cursor.Section, "question": c.cursor.Question}).Debug("state transition")
	c.observer.OnTransition(c.sessionID, from, to)
}

func (c *Controller) notice(kind, text string) {
	c.observer.OnNotice(c.sessionID, model.Notice{Kind: kind, Text: text})
}

func (c *Controller) publish() {
	snap := model.SessionState{
		SessionID:    c.sessionID,
		Participant:  c.participant,
		State:        c.state,
		Cursor:       c.cursor,
		SectionCount: c.script.Len(),
		Flags: model.SessionFlags{
			AwaitingStartConfirmation: c.state == model.StateAwaitStartConfirm,
			AwaitingRepeatReply:       c.state == model.StateAwaitRepeatReply,
			SectionIntroPlayed:        c.introPlayed,
			SilenceStrikeCount:        c.strikes,
			SpeechOutputBusy:          c.pendingKind == taskSpeech,
			CaptureEnabled:            c.pendingKind == taskCapture,
			PendingAction:             c.pendingAction,
		},
		CurrentPrompt: c.spoken,
		TranscriptLen: c.transcriptLen,
		Ended:         c.ended,
		LastError:     c.lastErr,
		CreatedAt:     c.createdAt,
		UpdatedAt:     c.now(),
	}
	if snap.Flags.PendingAction == "" {
		snap.Flags.PendingAction = model.ActionNone
	}

	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()

	if c.sessions != nil {
		ctx := c.ctx
		if ctx == nil || ctx.Err() != nil {
			ctx = context.Background()
		}
		if err := c.sessions.Save(ctx, snap); err != nil {
			c.logger.WithError(err).Warn("save session snapshot")
		}
	}
}
