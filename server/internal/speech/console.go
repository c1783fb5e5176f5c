package speech

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// LineReader 把终端输入转成按行投递的通道，识别器与选择输入共用一份。
type LineReader struct {
	lines chan string
	done  chan struct{}
}

func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(lr.done)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lr.lines <- scanner.Text()
		}
	}()
	return lr
}

// Done 在输入结束（EOF）后关闭。
func (lr *LineReader) Done() <-chan struct{} {
	return lr.done
}

// Next 读取下一行；输入结束返回 io.EOF。
func (lr *LineReader) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-lr.done:
		return "", io.EOF
	case line := <-lr.lines:
		return line, nil
	}
}

// ConsoleSynthesizer 把句子打印到终端，代替语音合成。
type ConsoleSynthesizer struct {
	w     io.Writer
	c     *color.Color
	pause time.Duration
}

func NewConsoleSynthesizer(w io.Writer, pause time.Duration) *ConsoleSynthesizer {
	return &ConsoleSynthesizer{w: w, c: color.New(color.FgCyan, color.Bold), pause: pause}
}

func (s *ConsoleSynthesizer) Say(ctx context.Context, sentence string) error {
	if _, err := s.c.Fprintf(s.w, "Interviewer: %s\n", sentence); err != nil {
		return fmt.Errorf("write sentence: %w", err)
	}
	if s.pause <= 0 {
		return nil
	}
	t := time.NewTimer(s.pause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ConsoleRecognizer 把一行输入当作一次回答。
type ConsoleRecognizer struct {
	lines  *LineReader
	w      io.Writer
	prompt *color.Color
}

func NewConsoleRecognizer(lines *LineReader, w io.Writer) *ConsoleRecognizer {
	return &ConsoleRecognizer{lines: lines, w: w, prompt: color.New(color.FgGreen)}
}

func (r *ConsoleRecognizer) Listen(ctx context.Context, timeout, _ time.Duration) (string, error) {
	r.prompt.Fprint(r.w, "You: ")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	line, err := r.lines.Next(ctx)
	if err != nil {
		fmt.Fprintln(r.w)
		if err == io.EOF {
			return "", ErrNoSpeech
		}
		return "", err
	}
	return line, nil
}
