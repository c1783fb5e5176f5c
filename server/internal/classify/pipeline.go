package classify

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/logging"
	"interview-talk/server/internal/model"
	"interview-talk/server/internal/scorer"
)

const (
	TraitInattention = "INATTENTION"
	TraitImpulsivity = "IMPULSIVITY"
)

// Assessment 是同步打分阶段的结果。
type Assessment struct {
	Trait        string
	Completeness float64
	// Fallback 表示打分服务不可用，结果来自启发式。
	Fallback bool
}

// Classifier 远程分类器
type Classifier interface {
	Classify(ctx context.Context, question, answer string) (Decision, error)
}

// FollowUpGenerator 远程追问生成器
type FollowUpGenerator interface {
	Generate(ctx context.Context, question, answer string) (string, error)
}

// Pipeline 把一条回答依次送过打分、分类与追问生成。
// 它不持有访谈状态，所有结果都交还给 Turn Controller 写入。
type Pipeline struct {
	scorer       scorer.Scorer
	classifier   Classifier
	followUps    FollowUpGenerator
	scoreTimeout time.Duration
	backup       string
	logger       *logrus.Entry
}

// Options 可选参数
type Options struct {
	ScoreTimeout time.Duration
	// FollowUpBackup 在生成结果为空时使用。
	FollowUpBackup string
	Logger         *logrus.Entry
}

func NewPipeline(s scorer.Scorer, c Classifier, f FollowUpGenerator, opts Options) *Pipeline {
	if s == nil {
		s = scorer.UnknownScorer{}
	}
	if opts.ScoreTimeout <= 0 {
		opts.ScoreTimeout = 3 * time.Second
	}
	if opts.FollowUpBackup == "" {
		opts.FollowUpBackup = "Could you say more about that?"
	}
	return &Pipeline{
		scorer:       s,
		classifier:   c,
		followUps:    f,
		scoreTimeout: opts.ScoreTimeout,
		backup:       opts.FollowUpBackup,
		logger:       logging.OrDiscard(opts.Logger).WithField("component", "classify"),
	}
}

// Assess 在限定时间内同步打分，失败时走启发式。
func (p *Pipeline) Assess(ctx context.Context, question, answer string, participant model.Participant) Assessment {
	ctx, cancel := context.WithTimeout(ctx, p.scoreTimeout)
	defer cancel()

	res := p.scorer.Score(ctx, question, answer, participant.Age, participant.Sex)
	if res.IsUnknown() {
		a := Heuristic(answer)
		p.logger.WithFields(logrus.Fields{"trait": a.Trait, "completeness": a.Completeness}).Debug("scorer unavailable, using heuristic")
		return a
	}
	return Assessment{Trait: res.Trait, Completeness: clamp01(res.Completeness)}
}

// Heuristic 是打分服务不可用时的兜底规则。
func Heuristic(answer string) Assessment {
	a := Assessment{Trait: TraitImpulsivity, Completeness: 0.4, Fallback: true}
	if strings.Contains(strings.ToLower(answer), "focus") {
		a.Trait = TraitInattention
	}
	if len(strings.Fields(answer)) > 8 {
		a.Completeness = 0.9
	}
	return a
}

// Classify 调用远程分类器。传输失败（重试之后）原样返回错误。
func (p *Pipeline) Classify(ctx context.Context, question, answer string) (Decision, error) {
	return p.classifier.Classify(ctx, question, answer)
}

// FollowUp 生成一条追问并规范成问句。
func (p *Pipeline) FollowUp(ctx context.Context, question, answer string) (string, error) {
	text, err := p.followUps.Generate(ctx, question, answer)
	if err != nil {
		return "", err
	}
	return NormalizeFollowUp(text, p.backup), nil
}

// Backup 返回固定的兜底追问。
func (p *Pipeline) Backup() string {
	return p.backup
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
