package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/classify"
	"interview-talk/server/internal/config"
	"interview-talk/server/internal/gateway"
	"interview-talk/server/internal/interview"
	"interview-talk/server/internal/logging"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/script"
	"interview-talk/server/internal/session"
	"interview-talk/server/internal/speech"
	"interview-talk/server/internal/transcript"
)

// Deps 服务依赖
type Deps struct {
	Store       session.Store
	Transcripts transcript.Store
	// Sink 可选，会话结束后写出定稿记录。
	Sink     transcript.Sink
	Script   *script.Script
	Pipeline *classify.Pipeline
	Logger   *logrus.Entry
}

type Server struct {
	config      *config.Config
	store       session.Store
	transcripts transcript.Store
	sink        transcript.Sink
	script      *script.Script
	pipeline    *classify.Pipeline
	logger      *logrus.Entry
	now         func() time.Time

	// controllers 管理所有进行中的访谈 (sessionID -> Controller)
	controllers   map[string]*interview.Controller
	controllersMu sync.RWMutex

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		config:      cfg,
		store:       deps.Store,
		transcripts: deps.Transcripts,
		sink:        deps.Sink,
		script:      deps.Script,
		pipeline:    deps.Pipeline,
		logger:      logging.OrDiscard(deps.Logger).WithField("component", "api"),
		now:         time.Now,
		controllers: make(map[string]*interview.Controller),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/script", s.handleScript)
	engine.POST("/api/sessions", s.handleCreateSession)
	engine.GET("/api/sessions/:id", s.handleGetSession)
	engine.POST("/api/sessions/:id/choice", s.handleChoice)
	engine.GET("/api/sessions/:id/transcript", s.handleTranscript)
	engine.GET("/api/sessions/:id/stream", s.handleSessionStream)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleScript 返回当前加载的访谈脚本。
func (s *Server) handleScript(c *gin.Context) {
	c.JSON(http.StatusOK, s.script)
}

var validSex = map[string]bool{"male": true, "female": true, "other": true}

// handleCreateSession 登记受访者并创建会话，访谈在 stream 连接后开始。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Age <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "age must be positive"})
		return
	}
	if !validSex[req.Sex] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sex must be one of male, female, other"})
		return
	}

	now := s.now()
	state := model.SessionState{
		SessionID:    "S_" + uuid.NewString(),
		Participant:  model.Participant{Age: req.Age, Sex: req.Sex},
		State:        model.StateAwaitStartConfirm,
		SectionCount: s.script.Len(),
		Flags: model.SessionFlags{
			AwaitingStartConfirmation: true,
			PendingAction:             model.ActionNone,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Save(c.Request.Context(), state); err != nil {
		s.logger.WithError(err).Error("save session failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save session failed"})
		return
	}

	c.JSON(http.StatusOK, model.CreateSessionResponse{SessionID: state.SessionID, State: state})
}

// handleGetSession 返回会话快照。
func (s *Server) handleGetSession(c *gin.Context) {
	state, ok := s.loadSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleChoice 提交 CONFIRM_CONTINUE 下的 confirm/retry。
func (s *Server) handleChoice(c *gin.Context) {
	var req model.ChoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Choice.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "choice must be confirm or retry"})
		return
	}
	if _, ok := s.loadSession(c); !ok {
		return
	}

	ctrl, ok := s.controller(c.Param("id"))
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "interview is not running"})
		return
	}
	if err := ctrl.Submit(c.Request.Context(), req.Choice); err != nil {
		if errors.Is(err, interview.ErrChoiceNotExpected) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "submit choice failed"})
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot())
}

// handleTranscript 返回会话的全部问答记录。
func (s *Server) handleTranscript(c *gin.Context) {
	if _, ok := s.loadSession(c); !ok {
		return
	}
	records, err := s.transcripts.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list transcript failed"})
		return
	}
	if records == nil {
		records = []model.TurnRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// handleSessionStream 升级为 WebSocket，挂上语音网关并运行整场访谈，连接断开即结束。
func (s *Server) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	logger := s.logger.WithField("session_id", sessionID)

	state, ok := s.loadSession(c)
	if !ok {
		return
	}
	// 中断的会话记录已定稿，同样不能重新开始。
	if state.Ended || state.State == model.StateComplete {
		c.JSON(http.StatusConflict, gin.H{"error": "interview already ended"})
		return
	}
	if _, running := s.controller(sessionID); running {
		c.JSON(http.StatusConflict, gin.H{"error": "interview already running"})
		return
	}

	clientConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WithError(err).Warn("upgrade websocket failed")
		return
	}

	gw := gateway.NewGateway(sessionID, clientConn, s.config.Gateway, s.logger)
	output := speech.NewOutput(gw, logger)
	ctrl := interview.NewController(sessionID, state.Participant, interview.Deps{
		Script:     s.script,
		Pipeline:   s.pipeline,
		Output:     output,
		Capture:    speech.NewCapture(gw, output, logger),
		Transcript: s.transcripts,
		Sink:       s.sink,
		Sessions:   s.store,
		Observer:   gw,
		Logger:     s.logger,
	}, interview.Options{Speech: s.config.Speech, Interview: s.config.Interview})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw.SetChoiceHandler(func(choice model.UserChoice) error {
		return ctrl.Submit(ctx, choice)
	})

	if !s.register(sessionID, ctrl) {
		_ = gw.Close()
		return
	}
	defer func() {
		s.unregister(sessionID)
		_ = gw.Close()
		logger.Info("stream closed")
	}()

	gw.Start()
	go func() {
		select {
		case <-gw.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("interview ended with error")
	}
}

func (s *Server) loadSession(c *gin.Context) (model.SessionState, bool) {
	state, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return model.SessionState{}, false
		}
		s.logger.WithError(err).Error("load session failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return model.SessionState{}, false
	}
	return state, true
}

func (s *Server) controller(sessionID string) (*interview.Controller, bool) {
	s.controllersMu.RLock()
	defer s.controllersMu.RUnlock()
	ctrl, ok := s.controllers[sessionID]
	return ctrl, ok
}

func (s *Server) register(sessionID string, ctrl *interview.Controller) bool {
	s.controllersMu.Lock()
	defer s.controllersMu.Unlock()
	if _, exists := s.controllers[sessionID]; exists {
		return false
	}
	s.controllers[sessionID] = ctrl
	return true
}

func (s *Server) unregister(sessionID string) {
	s.controllersMu.Lock()
	defer s.controllersMu.Unlock()
	delete(s.controllers, sessionID)
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.config.Server.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 logrus 记录每个请求。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}
