package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Speech    SpeechConfig    `yaml:"speech"`
	Interview InterviewConfig `yaml:"interview"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Logging   LoggingConfig   `yaml:"logging"`
	Paths     PathsConfig     `yaml:"paths"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 远程分类/追问生成所用的对话模型配置
type LLMConfig struct {
	Provider   string            `yaml:"provider"` // "chatserver" or "openai"
	ChatServer LLMProviderConfig `yaml:"chat_server"`
	OpenAI     LLMProviderConfig `yaml:"openai"`
	// Retries 是首次调用之外的重试次数；Backoff 按尝试次数线性放大。
	Retries int           `yaml:"retries"`
	Backoff time.Duration `yaml:"backoff"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string        `yaml:"api_key"`
	APIURL      string        `yaml:"api_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ScorerConfig 特征打分服务配置；URL 为空时所有回答走启发式兜底。
type ScorerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SpeechConfig struct {
	// SilenceTimeout 是 LISTENING 状态内唯一的显式计时器。
	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	ListenTimeout     time.Duration `yaml:"listen_timeout"`
	MaxPhrase         time.Duration `yaml:"max_phrase"`
	TakeYourTimeDelay time.Duration `yaml:"take_your_time_delay"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

type InterviewConfig struct {
	// AutoConfirm 为 true 时 CONTINUE 直接视为 confirm（无人值守/控制台）。
	AutoConfirm bool `yaml:"auto_confirm"`
	// MaxFollowUpChain 限制连续追问深度，0 表示不限制。
	MaxFollowUpChain int     `yaml:"max_follow_up_chain"`
	Prompts          Prompts `yaml:"prompts"`
}

// Prompts 是控制器朗读或提示的固定话术。
type Prompts struct {
	Invitation     string `yaml:"invitation"`
	SayYes         string `yaml:"say_yes"`
	TakeYourTime   string `yaml:"take_your_time"`
	NotCaught      string `yaml:"not_caught"`
	RepeatOffer    string `yaml:"repeat_offer"`
	Processing     string `yaml:"processing"`
	ReadyContinue  string `yaml:"ready_continue"`
	LLMFallback    string `yaml:"llm_fallback"`
	Closing        string `yaml:"closing"`
	FollowUpBackup string `yaml:"follow_up_backup"`
}

type GatewayConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type PathsConfig struct {
	Script      string `yaml:"script"`
	Transcripts string `yaml:"transcripts"`
}

// DefaultPrompts 返回原访谈使用的英文话术。
func DefaultPrompts() Prompts {
	return Prompts{
		Invitation:     "Hi! We'll go through some questions about attention and activity. When you're ready to begin, please say yes.",
		SayYes:         "Please say 'yes' or 'I'm ready' when you're ready.",
		TakeYourTime:   "Take your time...",
		NotCaught:      "Sorry, I didn't catch that.",
		RepeatOffer:    "I didn't catch a response. Would you like me to repeat the question?",
		Processing:     "Processing your response...",
		ReadyContinue:  "Ready to continue?",
		LLMFallback:    "Continuing without AI follow-up.",
		Closing:        "This concludes the interview. Thank you.",
		FollowUpBackup: "Could you say more about that?",
	}
}

// newConfig 预置 0 也是合法取值的字段，yaml 里出现该键时才会被覆盖。
func newConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Retries: 2,
			Backoff: 750 * time.Millisecond,
		},
	}
}

// Default 返回一份可直接运行的配置。
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := *newConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	// 验证必需配置
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault 文件不存在时使用默认值，环境变量覆盖仍然生效。
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	cfg = newConfig()
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖远程端点与密钥，保持与原部署脚本一致的变量名。
func (c *Config) applyEnv() {
	if base := os.Getenv("GPT_OSS_SERVER"); base != "" {
		c.LLM.ChatServer.APIURL = base
	}
	if model := os.Getenv("GPT_OSS_MODEL"); model != "" {
		c.LLM.ChatServer.Model = model
	}
	if raw := os.Getenv("GPT_OSS_TIMEOUT"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			c.LLM.ChatServer.Timeout = time.Duration(secs * float64(time.Second))
		}
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		c.LLM.OpenAI.APIKey = key
	}
	if url := os.Getenv("SCORER_URL"); url != "" {
		c.Scorer.URL = url
	}
	if p := os.Getenv("INTERVIEW_SCRIPT"); p != "" {
		c.Paths.Script = p
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "chatserver"
	}
	if c.LLM.ChatServer.APIURL == "" {
		c.LLM.ChatServer.APIURL = "http://127.0.0.1:5000"
	}
	if c.LLM.ChatServer.Model == "" {
		c.LLM.ChatServer.Model = "openai/gpt-oss-20b"
	}
	if c.LLM.ChatServer.Timeout == 0 {
		c.LLM.ChatServer.Timeout = 60 * time.Second
	}
	if c.LLM.OpenAI.APIURL == "" {
		c.LLM.OpenAI.APIURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Timeout == 0 {
		c.LLM.OpenAI.Timeout = 30 * time.Second
	}
	if c.LLM.OpenAI.MaxTokens == 0 {
		c.LLM.OpenAI.MaxTokens = 256
	}

	if c.Scorer.Timeout == 0 {
		c.Scorer.Timeout = 3 * time.Second
	}

	if c.Speech.SilenceTimeout == 0 {
		c.Speech.SilenceTimeout = 10 * time.Second
	}
	if c.Speech.ListenTimeout == 0 {
		c.Speech.ListenTimeout = 10 * time.Second
	}
	if c.Speech.MaxPhrase == 0 {
		c.Speech.MaxPhrase = 20 * time.Second
	}
	if c.Speech.TakeYourTimeDelay == 0 {
		c.Speech.TakeYourTimeDelay = 4 * time.Second
	}
	if c.Speech.RetryDelay == 0 {
		c.Speech.RetryDelay = 2 * time.Second
	}

	c.Interview.Prompts = mergePrompts(c.Interview.Prompts, DefaultPrompts())

	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 30 * time.Second
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Paths.Transcripts == "" {
		c.Paths.Transcripts = "outputs/transcripts"
	}
}

// mergePrompts 只填补未配置的话术，已配置的保持不变。
func mergePrompts(p, def Prompts) Prompts {
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&p.Invitation, def.Invitation)
	fill(&p.SayYes, def.SayYes)
	fill(&p.TakeYourTime, def.TakeYourTime)
	fill(&p.NotCaught, def.NotCaught)
	fill(&p.RepeatOffer, def.RepeatOffer)
	fill(&p.Processing, def.Processing)
	fill(&p.ReadyContinue, def.ReadyContinue)
	fill(&p.LLMFallback, def.LLMFallback)
	fill(&p.Closing, def.Closing)
	fill(&p.FollowUpBackup, def.FollowUpBackup)
	return p
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "chatserver":
		if c.LLM.ChatServer.APIURL == "" {
			return fmt.Errorf("llm.chat_server.api_url is required (set GPT_OSS_SERVER env var or config)")
		}
	case "openai":
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required (set LLM_API_KEY env var or config)")
		}
		if c.LLM.OpenAI.Model == "" {
			return fmt.Errorf("llm.openai.model is required")
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.LLM.Provider)
	}
	if c.LLM.Retries < 0 {
		return fmt.Errorf("llm.retries must be >= 0")
	}
	if c.Interview.MaxFollowUpChain < 0 {
		return fmt.Errorf("interview.max_follow_up_chain must be >= 0")
	}
	return nil
}
