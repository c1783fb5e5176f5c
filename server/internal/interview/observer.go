package interview

import "interview-talk/server/internal/model"

// Observer 接收状态迁移与提示，由展示层实现。
// 回调在控制器的事件循环里同步执行，实现不应阻塞。
type Observer interface {
	OnTransition(sessionID string, from, to model.State)
	OnNotice(sessionID string, n model.Notice)
}

// NopObserver 丢弃所有回调。
type NopObserver struct{}

func (NopObserver) OnTransition(string, model.State, model.State) {}
func (NopObserver) OnNotice(string, model.Notice)                 {}

// Observers 把回调依次转发给多个观察者。
type Observers []Observer

func (o Observers) OnTransition(sessionID string, from, to model.State) {
	for _, obs := range o {
		obs.OnTransition(sessionID, from, to)
	}
}

func (o Observers) OnNotice(sessionID string, n model.Notice) {
	for _, obs := range o {
		obs.OnNotice(sessionID, n)
	}
}
