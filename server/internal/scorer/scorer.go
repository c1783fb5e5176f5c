package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"interview-talk/server/internal/logging"
)

// Unknown 是打分失败时返回的特征标签，调用方据此走启发式兜底。
const Unknown = "UNKNOWN"

// Result 打分结果
type Result struct {
	Trait        string  `json:"trait"`
	Completeness float64 `json:"completeness"`
}

// IsUnknown 报告结果是否需要兜底。
func (r Result) IsUnknown() bool {
	return r.Trait == "" || strings.EqualFold(r.Trait, Unknown)
}

// Scorer 对单条回答给出特征与完整度。实现不返回错误，失败统一映射为 Unknown。
type Scorer interface {
	Score(ctx context.Context, question, answer string, age int, sex string) Result
}

// UnknownScorer 总是返回 Unknown，用于未配置打分服务的部署。
type UnknownScorer struct{}

func (UnknownScorer) Score(context.Context, string, string, int, string) Result {
	return Result{Trait: Unknown}
}

// HTTPScorer 调用外部打分服务：POST <url>/score。
type HTTPScorer struct {
	url        string
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewHTTPScorer 创建 HTTP 打分客户端
func NewHTTPScorer(url string, timeout time.Duration, logger *logrus.Entry) *HTTPScorer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPScorer{
		url:        strings.TrimRight(url, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrDiscard(logger).WithField("component", "scorer"),
	}
}

type scoreRequest struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Age      int    `json:"age"`
	Sex      string `json:"sex"`
}

func (s *HTTPScorer) Score(ctx context.Context, question, answer string, age int, sex string) Result {
	res, err := s.score(ctx, scoreRequest{Question: question, Answer: answer, Age: age, Sex: sex})
	if err != nil {
		s.logger.WithError(err).Warn("score request failed")
		return Result{Trait: Unknown}
	}
	return res
}

func (s *HTTPScorer) score(ctx context.Context, in scoreRequest) (Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/score", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("scorer error (status %d)", resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(out.Trait) == "" {
		return Result{}, fmt.Errorf("missing trait in response")
	}
	out.Trait = strings.ToUpper(strings.TrimSpace(out.Trait))
	return out, nil
}

// New 按 URL 选择实现：为空时返回 UnknownScorer。
func New(url string, timeout time.Duration, logger *logrus.Entry) Scorer {
	if strings.TrimSpace(url) == "" {
		return UnknownScorer{}
	}
	return NewHTTPScorer(url, timeout, logger)
}
