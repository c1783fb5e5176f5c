package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"interview-talk/server/internal/model"
)

// FileSink 把定稿记录写成 <dir>/<session_id>/transcript.json。
type FileSink struct {
	Dir string
}

func NewFileSink(dir string) *FileSink {
	return &FileSink{Dir: dir}
}

// Path 返回某个会话的落盘路径。
func (f *FileSink) Path(sessionID string) string {
	return filepath.Join(f.Dir, sessionID, "transcript.json")
}

func (f *FileSink) Write(_ context.Context, sessionID string, records []model.TurnRecord) error {
	path := f.Path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}

	// 先写临时文件再改名，避免中途失败留下半截 JSON。
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create transcript file: %w", err)
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if records == nil {
		records = []model.TurnRecord{}
	}
	if err := enc.Encode(records); err != nil {
		file.Close()
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close transcript file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename transcript file: %w", err)
	}
	return nil
}

// ReadFile 读回落盘的记录，主要用于排查与测试。
func ReadFile(path string) ([]model.TurnRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	var records []model.TurnRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	return records, nil
}
