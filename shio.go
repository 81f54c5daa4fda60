// Package shio 是一个多 reactor 的 HTTP 监听池。
//
// 每个 worker 独占一个 OS 线程与一个私有的事件循环，并为每个解析出的地址各自
// 创建监听 socket（SO_REUSEPORT），由内核在 worker 之间分发新连接。
// W 个 worker × A 个地址 = W×A 个监听 socket，worker 之间不共享任何可变状态。
package shio

import (
	"context"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/legamerdc/shio/handler"
	"github.com/legamerdc/shio/server"
)

// Shio 为监听池的 supervisor
type Shio struct {
	h   handler.Handler
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	workers []*server.Worker
}

// New 以共享的 handler 构造监听池；h 在所有 worker 上并发调用
func New(h handler.Handler, opts ...Option) *Shio {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	return &Shio{h: h, cfg: cfg, log: cfg.logger()}
}

// Default 以空路由表构造监听池，配合 Route 使用
func Default(opts ...Option) *Shio {
	return New(handler.NewRouter(), opts...)
}

// Threads 设置 worker 数量；n <= 0 恢复为 CPU 数
func (s *Shio) Threads(n int) *Shio {
	s.cfg.Threads = n
	return s
}

// Route 注册路由。仅当 handler 为未冻结的 *handler.Router 时生效，否则记录日志并忽略。
func (s *Shio) Route(method, path string, h handler.Handler) *Shio {
	r, ok := s.h.(*handler.Router)
	if !ok {
		s.log.Warn("route ignored: handler is not a router", zap.String("method", method), zap.String("path", path))
		return s
	}
	if err := r.Route(method, path, h); err != nil {
		s.log.Warn("route ignored", zap.String("method", method), zap.String("path", path), zap.Error(err))
	}
	return s
}

// Run 在 spec 描述的地址上服务直到某个 worker 失败；正常情况下永不返回
func (s *Shio) Run(spec Addresser) error {
	return s.Serve(context.Background(), spec)
}

type joinResult struct {
	err      error
	panicked bool
	value    any
	stack    []byte
}

// Serve 解析一次地址后启动全部 worker，并按启动顺序逐个 join。
// 返回 join 顺序上的第一个错误：靠后的 worker 即使先失败，也要等前面的 worker
// 结束（例如 ctx 取消）后才会被报告。报告错误前会停止并等待其余 worker，
// 返回时不残留任何监听 socket。ctx 取消时各 worker 关闭监听并返回 nil。
// worker panic 会在调用方 goroutine 上以 *JoinFailure 重新 panic。
func (s *Shio) Serve(ctx context.Context, spec Addresser) error {
	if r, ok := s.h.(*handler.Router); ok {
		r.Freeze()
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	addrs, err := Resolve(rctx, s.cfg.Resolver, spec)
	cancel()
	if err != nil {
		s.log.Error("resolve failed", zap.Error(err))
		return err
	}

	n := s.cfg.threads()
	workers := make([]*server.Worker, n)
	for i := range workers {
		workers[i] = server.NewWorker(i, addrs, s.h, s.cfg.workerConfig(i))
	}
	s.mu.Lock()
	s.workers = workers
	s.mu.Unlock()

	wctx, stop := context.WithCancel(ctx)
	defer stop()
	s.log.Info("starting workers", zap.Int("threads", n), zap.Stringers("addrs", addrs))
	results := make([]chan joinResult, n)
	for i, w := range workers {
		results[i] = make(chan joinResult, 1)
		go runWorker(wctx, w, results[i])
	}

	for i, ch := range results {
		r := <-ch
		if r.panicked {
			s.log.Error("worker panicked", zap.Int("worker", i), zap.Any("value", r.value))
			s.drain(stop, results[i+1:])
			panic(&JoinFailure{Worker: i, Value: r.value, Stack: r.stack})
		}
		if r.err != nil {
			s.log.Error("worker failed", zap.Int("worker", i), zap.Error(r.err))
			s.drain(stop, results[i+1:])
			return r.err
		}
	}
	return nil
}

// drain 停止并等待尚未 join 的 worker，它们的结果只记录日志
func (s *Shio) drain(stop context.CancelFunc, rest []chan joinResult) {
	stop()
	for _, ch := range rest {
		r := <-ch
		switch {
		case r.panicked:
			s.log.Error("worker panicked during shutdown", zap.Any("value", r.value))
		case r.err != nil:
			s.log.Warn("worker failed during shutdown", zap.Error(r.err))
		}
	}
}

func runWorker(ctx context.Context, w *server.Worker, out chan<- joinResult) {
	defer func() {
		if v := recover(); v != nil {
			out <- joinResult{panicked: true, value: v, stack: debug.Stack()}
		}
	}()
	out <- joinResult{err: w.Run(ctx)}
}

// Stats 汇总当前一次 Serve 中所有 worker 的计数器
func (s *Shio) Stats() Snapshot {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	var total Snapshot
	for _, w := range workers {
		total = total.Add(w.Stats().Snapshot())
	}
	return total
}

// WorkerStats 返回每个 worker 各自的计数器，按 worker 序号排列
func (s *Shio) WorkerStats() []Snapshot {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	out := make([]Snapshot, len(workers))
	for i, w := range workers {
		out[i] = w.Stats().Snapshot()
	}
	return out
}
