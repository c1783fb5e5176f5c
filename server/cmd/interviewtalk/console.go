package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"interview-talk/server/internal/interview"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/speech"
	"interview-talk/server/internal/transcript"
)

var (
	consoleAge         int
	consoleSex         string
	consoleAutoConfirm bool
	consolePause       time.Duration
)

func newConsoleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run one interview in the terminal (typed answers stand in for speech)",
		Long: `Runs a single interview where every spoken sentence is printed and every
answer is one typed line. Not typing before the listen timeout counts as silence.

Example:
  interviewtalk console --age 34 --sex female`,
		Args: cobra.NoArgs,
		RunE: runConsole,
	}
	cmd.Flags().IntVar(&consoleAge, "age", 0, "Participant age (required)")
	cmd.Flags().StringVar(&consoleSex, "sex", "", "Participant sex: male, female or other (required)")
	cmd.Flags().BoolVar(&consoleAutoConfirm, "auto-confirm", false, "Continue after each answer without asking confirm/retry")
	cmd.Flags().DurationVar(&consolePause, "pause", 0, "Pause after each printed sentence")
	cmd.MarkFlagRequired("age")
	cmd.MarkFlagRequired("sex")
	return cmd
}

func runConsole(cmd *cobra.Command, _ []string) error {
	if consoleAge <= 0 {
		return errors.New("--age must be positive")
	}
	switch consoleSex {
	case "male", "female", "other":
	default:
		return fmt.Errorf("--sex must be male, female or other, got %q", consoleSex)
	}

	rt, err := setup()
	if err != nil {
		return err
	}
	if consoleAutoConfirm {
		rt.cfg.Interview.AutoConfirm = true
	}
	// 控制台里日志会打断问答，只保留警告以上。
	if rt.logger.GetLevel() > logrus.WarnLevel {
		rt.logger.SetLevel(logrus.WarnLevel)
	}
	entry := logrus.NewEntry(rt.logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	lines := speech.NewLineReader(os.Stdin)
	output := speech.NewOutput(speech.NewConsoleSynthesizer(out, consolePause), entry)
	capture := speech.NewCapture(speech.NewConsoleRecognizer(lines, out), output, entry)

	sessionID := "C_" + uuid.NewString()
	store := transcript.NewInMemoryStore()
	sink := transcript.NewFileSink(rt.cfg.Paths.Transcripts)
	obs := &consoleObserver{ctx: ctx, out: out, lines: lines, notice: color.New(color.FgYellow)}

	ctrl := interview.NewController(sessionID, model.Participant{Age: consoleAge, Sex: consoleSex}, interview.Deps{
		Script:     rt.script,
		Pipeline:   rt.pipeline,
		Output:     output,
		Capture:    capture,
		Transcript: store,
		Sink:       sink,
		Observer:   obs,
		Logger:     entry,
	}, interview.Options{Speech: rt.cfg.Speech, Interview: rt.cfg.Interview})
	obs.ctrl = ctrl

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lines.Done():
			// 输入结束后给最后一次采集留出判定静默的时间
			t := time.NewTimer(rt.cfg.Speech.SilenceTimeout)
			defer t.Stop()
			select {
			case <-t.C:
				cancel()
			case <-runCtx.Done():
			}
		case <-runCtx.Done():
		}
	}()

	runErr := ctrl.Run(runCtx)
	fmt.Fprintf(out, "\nTranscript written to %s\n", sink.Path(sessionID))
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// consoleObserver 打印提示文本，并在 CONFIRM_CONTINUE 时读取一行作为 confirm/retry。
type consoleObserver struct {
	ctx    context.Context
	out    io.Writer
	lines  *speech.LineReader
	notice *color.Color
	ctrl   *interview.Controller
}

func (o *consoleObserver) OnTransition(_ string, _, to model.State) {
	if to != model.StateConfirmContinue {
		return
	}
	// 观察者在控制器循环里被调用，读取输入必须放到别的 goroutine。
	go o.readChoice()
}

func (o *consoleObserver) OnNotice(_ string, n model.Notice) {
	o.notice.Fprintf(o.out, "(%s)\n", n.Text)
}

func (o *consoleObserver) readChoice() {
	for {
		fmt.Fprint(o.out, "[Enter] continue, [r] retry: ")
		line, err := o.lines.Next(o.ctx)
		if err != nil {
			return
		}
		choice := parseChoice(line)
		if err := o.ctrl.Submit(o.ctx, choice); err != nil {
			if errors.Is(err, interview.ErrChoiceNotExpected) {
				return
			}
			fmt.Fprintf(o.out, "could not submit choice: %v\n", err)
			continue
		}
		return
	}
}

func parseChoice(line string) model.UserChoice {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "r", "retry":
		return model.ChoiceRetry
	default:
		return model.ChoiceConfirm
	}
}
