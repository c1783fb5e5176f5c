package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"interview-talk/server/internal/classify"
	"interview-talk/server/internal/config"
	"interview-talk/server/internal/gateway"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/scorer"
	"interview-talk/server/internal/script"
	"interview-talk/server/internal/session"
	"interview-talk/server/internal/transcript"
)

const longAnswer = "I often lose track of what people are saying during long meetings at work"

type testEnv struct {
	server *Server
	http   *httptest.Server
	sink   *transcript.FileSink
	store  *session.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Speech.SilenceTimeout = 2 * time.Second
	cfg.Speech.TakeYourTimeDelay = time.Millisecond
	cfg.Speech.RetryDelay = time.Millisecond
	cfg.Server.AllowedOrigins = []string{"http://localhost:5173"}

	mock := classify.NewMockLLMClient()
	pipeline := classify.NewPipeline(
		scorer.UnknownScorer{},
		classify.NewLLMClassifier(mock),
		classify.NewLLMFollowUpGenerator(mock),
		classify.Options{FollowUpBackup: cfg.Interview.Prompts.FollowUpBackup},
	)

	env := &testEnv{
		sink:  transcript.NewFileSink(t.TempDir()),
		store: session.NewInMemoryStore(),
	}
	env.server = NewServer(cfg, Deps{
		Store:       env.store,
		Transcripts: transcript.NewInMemoryStore(),
		Sink:        env.sink,
		Script: &script.Script{Sections: []script.Section{
			{ID: "s1", Intro: "Section one.", Questions: []string{"Do you lose focus?"}},
		}},
		Pipeline: pipeline,
	})
	env.http = httptest.NewServer(env.server.Routes())
	t.Cleanup(env.http.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Routes().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createSession(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/sessions", model.CreateSessionRequest{Age: 30, Sex: "female"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.CreateSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

func TestHealthzAndScript(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/script", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sc script.Script
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sc))
	require.Len(t, sc.Sections, 1)
	assert.Equal(t, "s1", sc.Sections[0].ID)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body any
	}{
		{"zero age", model.CreateSessionRequest{Age: 0, Sex: "male"}},
		{"unknown sex", model.CreateSessionRequest{Age: 20, Sex: "x"}},
		{"not json", "nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/sessions", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateAndGetSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state model.SessionState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, model.StateAwaitStartConfirm, state.State)
	assert.Equal(t, 30, state.Participant.Age)
	assert.Equal(t, 1, state.SectionCount)
	assert.True(t, state.Flags.AwaitingStartConfirmation)
	assert.Equal(t, model.ActionNone, state.Flags.PendingAction)

	rec = env.do(t, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChoiceErrors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/choice", model.ChoiceRequest{Choice: "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/missing/choice", model.ChoiceRequest{Choice: model.ChoiceConfirm})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// 会话存在但没有连接 stream
	rec = env.do(t, http.MethodPost, "/api/sessions/"+id+"/choice", model.ChoiceRequest{Choice: model.ChoiceConfirm})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTranscriptEmpty(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	rec := env.do(t, http.MethodGet, "/api/sessions/"+id+"/transcript", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/sessions/missing/transcript", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	env.server.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	env.server.Routes().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/sessions/missing/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestStreamRunsInterview 用 WebSocket 客户端扮演浏览器：朗读即完成，按顺序给出回答，收到 ready_to_continue 后确认。
func TestStreamRunsInterview(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/sessions/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	answers := []string{"yes", longAnswer}
	var spoken []string
	var states []model.State

	done := make(chan error, 1)
	go func() {
		for {
			var msg gateway.ServerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				done <- nil
				return
			}
			var reply *gateway.ClientMessage
			switch msg.Type {
			case gateway.EventTypeSpeak:
				spoken = append(spoken, msg.Text)
				reply = &gateway.ClientMessage{Type: gateway.EventTypeTTSCompleted, RequestID: msg.RequestID}
			case gateway.EventTypeListen:
				if len(answers) == 0 {
					reply = &gateway.ClientMessage{Type: gateway.EventTypeASRTimeout, RequestID: msg.RequestID}
					break
				}
				reply = &gateway.ClientMessage{Type: gateway.EventTypeASRFinal, RequestID: msg.RequestID, Text: answers[0]}
				answers = answers[1:]
			case gateway.EventTypeState:
				states = append(states, msg.State)
			case gateway.EventTypeNotice:
				if msg.Kind == model.NoticeReadyContinue {
					reply = &gateway.ClientMessage{Type: gateway.EventTypeUserChoice, Choice: model.ChoiceConfirm}
				}
			}
			if reply != nil {
				if err := conn.WriteJSON(reply); err != nil {
					done <- err
					return
				}
			}
		}
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("interview did not finish")
	}

	assert.Contains(t, states, model.StateConfirmContinue)
	assert.Equal(t, model.StateComplete, states[len(states)-1])
	require.NotEmpty(t, spoken)
	assert.Equal(t, "Thank you.", spoken[len(spoken)-1])

	state, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateComplete, state.State)

	records, err := transcript.ReadFile(env.sink.Path(id))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Do you lose focus?", records[0].Question)
	assert.Equal(t, longAnswer, records[0].Response)

	assert.Eventually(t, func() bool {
		_, running := env.server.controller(id)
		return !running
	}, time.Second, 10*time.Millisecond)

	rec := env.do(t, http.MethodGet, "/api/sessions/"+id+"/stream", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestStreamDropEndsSession 连接在第一题采集时断开：会话标记为结束，记录已落盘，重连被拒绝。
func TestStreamDropEndsSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.createSession(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/sessions/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	listens := 0
	for listens < 2 {
		var msg gateway.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case gateway.EventTypeSpeak:
			require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Type: gateway.EventTypeTTSCompleted, RequestID: msg.RequestID}))
		case gateway.EventTypeListen:
			listens++
			if listens == 1 {
				require.NoError(t, conn.WriteJSON(gateway.ClientMessage{Type: gateway.EventTypeASRFinal, RequestID: msg.RequestID, Text: "yes"}))
			}
		}
	}
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		state, err := env.store.Get(context.Background(), id)
		return err == nil && state.Ended
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, running := env.server.controller(id)
		return !running
	}, time.Second, 10*time.Millisecond)

	state, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StateListening, state.State)

	records, err := transcript.ReadFile(env.sink.Path(id))
	require.NoError(t, err)
	assert.Empty(t, records)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}
