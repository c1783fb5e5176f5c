package script

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"interview-talk/server/internal/model"
)

//go:embed default_script.yaml
var defaultScriptYAML []byte

// Section 是一组主题相关的问题，提问前先播放一次 Intro。
type Section struct {
	ID        string   `json:"id" yaml:"id"`
	Intro     string   `json:"intro" yaml:"intro"`
	Questions []string `json:"questions" yaml:"questions"`
}

// Script 是整场访谈的静态脚本，会话期间不可变。
type Script struct {
	Sections []Section `json:"sections" yaml:"sections"`
}

// Load 从文件加载脚本，按扩展名选择 JSON 或 YAML。
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	var s Script
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &s)
	default:
		err = yaml.Unmarshal(data, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Default 返回内置的六部分临床访谈脚本。
func Default() *Script {
	var s Script
	if err := yaml.Unmarshal(defaultScriptYAML, &s); err != nil {
		panic(fmt.Sprintf("parse embedded script: %v", err))
	}
	return &s
}

// LoadOrDefault 路径为空时回退到内置脚本。
func LoadOrDefault(path string) (*Script, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate 校验脚本：至少一个部分，每个部分至少一个问题，且没有空文本。
func (s *Script) Validate() error {
	if s == nil || len(s.Sections) == 0 {
		return fmt.Errorf("script has no sections")
	}
	for i, sec := range s.Sections {
		if strings.TrimSpace(sec.Intro) == "" {
			return fmt.Errorf("section %d: intro is empty", i)
		}
		if len(sec.Questions) == 0 {
			return fmt.Errorf("section %d: no questions", i)
		}
		for j, q := range sec.Questions {
			if strings.TrimSpace(q) == "" {
				return fmt.Errorf("section %d question %d: empty text", i, j)
			}
		}
	}
	return nil
}

// Len 返回部分数量。
func (s *Script) Len() int {
	return len(s.Sections)
}

// Done 判断游标是否已越过最后一个部分。
func (s *Script) Done(c model.Cursor) bool {
	return c.Section >= len(s.Sections)
}

// Section 返回游标所在部分；访谈已结束时 ok=false。
func (s *Script) Section(c model.Cursor) (Section, bool) {
	if c.Section < 0 || c.Section >= len(s.Sections) {
		return Section{}, false
	}
	return s.Sections[c.Section], true
}

// NextQuestion 返回游标指向的下一个问题；当前部分问题用尽时 ok=false。
func (s *Script) NextQuestion(c model.Cursor) (string, bool) {
	sec, ok := s.Section(c)
	if !ok || c.Question >= len(sec.Questions) {
		return "", false
	}
	return sec.Questions[c.Question], true
}

// QuestionCount 返回脚本问题总数（不含追问）。
func (s *Script) QuestionCount() int {
	n := 0
	for _, sec := range s.Sections {
		n += len(sec.Questions)
	}
	return n
}
