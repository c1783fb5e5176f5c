package session

import (
	"context"

	"interview-talk/server/internal/model"
)

// Store 保存访谈会话快照，控制器每步结束后写入，API 只读。
type Store interface {
	Get(ctx context.Context, id string) (model.SessionState, error)
	Save(ctx context.Context, s model.SessionState) error
	List(ctx context.Context) ([]model.SessionState, error)
}
