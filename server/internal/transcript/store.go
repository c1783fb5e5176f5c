package transcript

import (
	"context"
	"errors"

	"interview-talk/server/internal/model"
)

var (
	ErrFinalized = errors.New("transcript finalized")
	ErrNoRecord  = errors.New("transcript record not found")
)

// Store 是访谈记录的追加式存储，只有 Turn Controller 会写入。
type Store interface {
	// Append 追加一条记录并返回分配的 seq。
	// 约定：同一 session 的 seq 单调递增；相同 TurnID 的重复追加幂等返回同一 seq。
	Append(ctx context.Context, sessionID string, rec *model.TurnRecord) (int64, error)
	// Update 用控制器算好的新内容替换 seq 对应的记录，不改变顺序。
	Update(ctx context.Context, sessionID string, rec model.TurnRecord) error
	// List 按 seq 顺序返回全量记录。
	List(ctx context.Context, sessionID string) ([]model.TurnRecord, error)
	// Finalize 把记录置为只读，并返回最终列表。
	Finalize(ctx context.Context, sessionID string) ([]model.TurnRecord, error)
}

// Sink 接收已定稿的记录，负责落盘或上报。
type Sink interface {
	Write(ctx context.Context, sessionID string, records []model.TurnRecord) error
}
