package speech

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSynth struct {
	mu     sync.Mutex
	said   []string
	failOn string
	block  chan struct{}
}

func (s *recordingSynth) Say(ctx context.Context, sentence string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn != "" && strings.Contains(sentence, s.failOn) {
		return errors.New("tts engine crashed")
	}
	s.said = append(s.said, sentence)
	return nil
}

type stubRecognizer struct {
	text string
	err  error
}

func (r stubRecognizer) Listen(ctx context.Context, timeout, maxPhrase time.Duration) (string, error) {
	return r.text, r.err
}

// TestSplitSentences 验证断句与空白/破折号规整。
func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Let's look back at childhood—specifically before age twelve.\n  Ready?  Go!")
	want := []string{
		"Let's look back at childhood-specifically before age twelve.",
		"Ready?",
		"Go!",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected split: %#v", got)
	}

	if got := SplitSentences("Version 2.5 is fine... really?! Yes"); len(got) != 3 {
		t.Fatalf("expected 3 sentences, got %#v", got)
	}
	if got := SplitSentences("   "); got != nil {
		t.Fatalf("expected nil for blank text, got %#v", got)
	}
}

// TestOutputSkipsFailedSentence 验证单句失败被跳过，其余照常播报。
func TestOutputSkipsFailedSentence(t *testing.T) {
	synth := &recordingSynth{failOn: "broken"}
	out := NewOutput(synth, nil)

	res, err := out.Speak(context.Background(), "First one. This is broken. Last one.", true)
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if res.Spoken != 2 || res.Failed != 1 || !res.IsIntro {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(synth.said) != 2 || synth.said[1] != "Last one." {
		t.Fatalf("unexpected sentences: %#v", synth.said)
	}
	if out.Busy() {
		t.Fatalf("output should be idle after speak")
	}
}

// TestOutputRejectsReentrantSpeak 验证播报进行中再次调用返回 ErrBusy，采集也被拒绝。
func TestOutputRejectsReentrantSpeak(t *testing.T) {
	synth := &recordingSynth{block: make(chan struct{})}
	out := NewOutput(synth, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = out.Speak(context.Background(), "Hello there.", false)
	}()

	deadline := time.Now().Add(time.Second)
	for !out.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("output never became busy")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := out.Speak(context.Background(), "Again.", false); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	capture := NewCapture(stubRecognizer{text: "hi"}, out, nil)
	if _, err := capture.Listen(context.Background(), time.Second, time.Second); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected capture ErrBusy while speaking, got %v", err)
	}

	close(synth.block)
	<-done
}

// TestCaptureOutcomes 验证识别结果到 Outcome 的映射。
func TestCaptureOutcomes(t *testing.T) {
	cases := []struct {
		name string
		rec  stubRecognizer
		want CaptureResult
	}{
		{"text", stubRecognizer{text: "  yes I am  "}, CaptureResult{Outcome: OutcomeTranscript, Text: "yes I am"}},
		{"blank", stubRecognizer{text: "   "}, CaptureResult{Outcome: OutcomeUnintelligible}},
		{"no speech", stubRecognizer{err: ErrNoSpeech}, CaptureResult{Outcome: OutcomeSilence}},
		{"deadline", stubRecognizer{err: context.DeadlineExceeded}, CaptureResult{Outcome: OutcomeSilence}},
		{"unintelligible", stubRecognizer{err: ErrUnintelligible}, CaptureResult{Outcome: OutcomeUnintelligible}},
		{"device error", stubRecognizer{err: errors.New("mic unplugged")}, CaptureResult{Outcome: OutcomeUnintelligible}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCapture(tc.rec, nil, nil)
			got, err := c.Listen(context.Background(), time.Second, time.Second)
			if err != nil {
				t.Fatalf("listen: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

// deafRecognizer 忽略 timeout，直到 ctx 结束才返回。
type deafRecognizer struct{}

func (deafRecognizer) Listen(ctx context.Context, _, _ time.Duration) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// TestCaptureEnforcesTimeout 识别器不理会 timeout 时，采集仍在 timeout+maxPhrase 后以静默结束。
func TestCaptureEnforcesTimeout(t *testing.T) {
	c := NewCapture(deafRecognizer{}, nil, nil)

	type result struct {
		res CaptureResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := c.Listen(context.Background(), 50*time.Millisecond, 50*time.Millisecond)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("listen: %v", r.err)
		}
		if r.res.Outcome != OutcomeSilence {
			t.Fatalf("expected silence, got %+v", r.res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not honour its timeout")
	}
}

// TestConsoleAdapters 验证终端合成与识别。
func TestConsoleAdapters(t *testing.T) {
	var buf bytes.Buffer
	synth := NewConsoleSynthesizer(&buf, 0)
	if err := synth.Say(context.Background(), "Hello."); err != nil {
		t.Fatalf("say: %v", err)
	}
	if !strings.Contains(buf.String(), "Interviewer: Hello.") {
		t.Fatalf("unexpected console output: %q", buf.String())
	}

	lines := NewLineReader(strings.NewReader("yes\n"))
	rec := NewConsoleRecognizer(lines, &buf)
	text, err := rec.Listen(context.Background(), time.Second, time.Second)
	if err != nil || text != "yes" {
		t.Fatalf("expected yes, got %q (%v)", text, err)
	}

	<-lines.Done()
	if _, err := rec.Listen(context.Background(), time.Second, time.Second); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech after EOF, got %v", err)
	}
}

// TestConsoleRecognizerTimeout 验证超时映射为静默。
func TestConsoleRecognizerTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	rec := NewConsoleRecognizer(NewLineReader(pr), &bytes.Buffer{})
	c := NewCapture(rec, nil, nil)
	res, err := c.Listen(context.Background(), 20*time.Millisecond, time.Second)
	if err != nil || res.Outcome != OutcomeSilence {
		t.Fatalf("expected silence, got %+v (%v)", res, err)
	}
}
