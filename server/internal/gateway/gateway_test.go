package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"interview-talk/server/internal/config"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/speech"
)

// newTestGateway 启动一个 websocket 服务端并返回服务端 Gateway 与客户端连接。
func newTestGateway(t *testing.T) (*Gateway, *websocket.Conn) {
	t.Helper()

	gwCh := make(chan *Gateway, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		gw := NewGateway("sess_test", conn, config.GatewayConfig{PingInterval: time.Hour, WriteTimeout: time.Second}, nil)
		gw.Start()
		gwCh <- gw
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case gw := <-gwCh:
		t.Cleanup(func() { gw.Close() })
		return gw, client
	case <-time.After(2 * time.Second):
		t.Fatalf("gateway not created")
	}
	return nil, nil
}

func readServerMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read server message: %v", err)
	}
	return msg
}

// TestGateway_SayRoundTrip 验证 speak 请求在 tts_completed 后返回。
func TestGateway_SayRoundTrip(t *testing.T) {
	gw, client := newTestGateway(t)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Say(context.Background(), "Hello there.") }()

	msg := readServerMessage(t, client)
	if msg.Type != EventTypeSpeak || msg.Text != "Hello there." || msg.RequestID == "" {
		t.Fatalf("unexpected speak message: %+v", msg)
	}
	if msg.Seq == 0 {
		t.Fatalf("expected seq to be assigned")
	}

	if err := client.WriteJSON(ClientMessage{Type: EventTypeTTSCompleted, RequestID: msg.RequestID}); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Say returned error: %v", err)
	}

	go func() { errCh <- gw.Say(context.Background(), "Again.") }()
	msg = readServerMessage(t, client)
	client.WriteJSON(ClientMessage{Type: EventTypeTTSFailed, RequestID: msg.RequestID, Error: "no voices"})
	if err := <-errCh; err == nil {
		t.Fatalf("expected error for tts_failed")
	}
}

// TestGateway_ListenOutcomes 验证识别回报到 speech 错误的映射。
func TestGateway_ListenOutcomes(t *testing.T) {
	gw, client := newTestGateway(t)

	type result struct {
		text string
		err  error
	}
	cases := []struct {
		reply    ClientMessage
		wantText string
		wantErr  error
	}{
		{ClientMessage{Type: EventTypeASRFinal, Text: "yes I am"}, "yes I am", nil},
		{ClientMessage{Type: EventTypeASRTimeout}, "", speech.ErrNoSpeech},
		{ClientMessage{Type: EventTypeASRNoMatch}, "", speech.ErrUnintelligible},
	}
	for _, tc := range cases {
		resCh := make(chan result, 1)
		go func() {
			text, err := gw.Listen(context.Background(), 10*time.Second, 20*time.Second)
			resCh <- result{text, err}
		}()

		msg := readServerMessage(t, client)
		if msg.Type != EventTypeListen || msg.TimeoutMS != 10000 || msg.MaxPhraseMS != 20000 {
			t.Fatalf("unexpected listen message: %+v", msg)
		}
		reply := tc.reply
		reply.RequestID = msg.RequestID
		client.WriteJSON(reply)

		res := <-resCh
		if res.text != tc.wantText || !errors.Is(res.err, tc.wantErr) {
			t.Fatalf("reply %s: got (%q, %v)", tc.reply.Type, res.text, res.err)
		}
	}
}

// TestGateway_ListenCancelIgnoresLateReply 验证取消后的迟到回报被忽略。
func TestGateway_ListenCancelIgnoresLateReply(t *testing.T) {
	gw, client := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := gw.Listen(ctx, time.Second, time.Second)
		errCh <- err
	}()

	msg := readServerMessage(t, client)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// 迟到的回报不应产生错误消息
	client.WriteJSON(ClientMessage{Type: EventTypeASRFinal, RequestID: msg.RequestID, Text: "late"})
	gw.OnNotice("sess_test", model.Notice{Kind: model.NoticeTakeYourTime, Text: "Take your time..."})
	next := readServerMessage(t, client)
	if next.Type != EventTypeNotice || next.Kind != model.NoticeTakeYourTime {
		t.Fatalf("expected notice, got %+v", next)
	}
}

// TestGateway_UserChoice 验证 user_choice 交给处理器，非法选择返回 error 消息。
func TestGateway_UserChoice(t *testing.T) {
	gw, client := newTestGateway(t)

	var mu sync.Mutex
	var got []model.UserChoice
	gw.SetChoiceHandler(func(c model.UserChoice) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
		return nil
	})

	client.WriteJSON(ClientMessage{Type: EventTypeUserChoice, Choice: model.ChoiceRetry})
	client.WriteJSON(ClientMessage{Type: EventTypeUserChoice, Choice: "maybe"})

	msg := readServerMessage(t, client)
	if msg.Type != EventTypeError || !strings.Contains(msg.Error, "invalid choice") {
		t.Fatalf("expected invalid choice error, got %+v", msg)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != model.ChoiceRetry {
		t.Fatalf("unexpected choices: %v", got)
	}
}

// TestGateway_StateAndClose 验证状态推送与关闭后等待中的请求返回 ErrClosed。
func TestGateway_StateAndClose(t *testing.T) {
	gw, client := newTestGateway(t)

	gw.OnTransition("sess_test", model.StateListening, model.StateClassifying)
	msg := readServerMessage(t, client)
	if msg.Type != EventTypeState || msg.From != model.StateListening || msg.State != model.StateClassifying {
		t.Fatalf("unexpected state message: %+v", msg)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := gw.Listen(context.Background(), time.Second, time.Second)
		errCh <- err
	}()
	readServerMessage(t, client)

	client.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listen did not return after client disconnect")
	}
	select {
	case <-gw.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
}
