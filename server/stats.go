package server

import "sync/atomic"

// Stats 为单个 worker 的计数器；只由所属 worker 写入，其他 goroutine 仅读取快照，
// 因此 worker 之间没有共享的可变状态。
type Stats struct {
	listenersOpened atomic.Int64
	listeners       atomic.Int64
	running         atomic.Int64
	connsAccepted   atomic.Int64
	conns           atomic.Int64
	requests        atomic.Int64
	handlerFailures atomic.Int64
}

// Snapshot 是计数器在某一时刻的值
type Snapshot struct {
	ListenersOpened int64 // 累计创建的监听 socket 数
	Listeners       int64 // 当前打开的监听 socket 数
	Workers         int64 // 处于 Serving 状态的 worker 数
	ConnsAccepted   int64
	Conns           int64 // 当前连接数
	Requests        int64
	HandlerFailures int64 // handler 返回错误或 panic 的次数
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		ListenersOpened: s.listenersOpened.Load(),
		Listeners:       s.listeners.Load(),
		Workers:         s.running.Load(),
		ConnsAccepted:   s.connsAccepted.Load(),
		Conns:           s.conns.Load(),
		Requests:        s.requests.Load(),
		HandlerFailures: s.handlerFailures.Load(),
	}
}

// Add 返回两份快照的逐项和，供 supervisor 汇总所有 worker
func (a Snapshot) Add(b Snapshot) Snapshot {
	return Snapshot{
		ListenersOpened: a.ListenersOpened + b.ListenersOpened,
		Listeners:       a.Listeners + b.Listeners,
		Workers:         a.Workers + b.Workers,
		ConnsAccepted:   a.ConnsAccepted + b.ConnsAccepted,
		Conns:           a.Conns + b.Conns,
		Requests:        a.Requests + b.Requests,
		HandlerFailures: a.HandlerFailures + b.HandlerFailures,
	}
}
