//go:build linux || darwin

package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"runtime"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/shio/handler"
	"github.com/legamerdc/shio/internal/netutil"
	"github.com/legamerdc/shio/poller"
)

// Worker 是一个独立的执行单元：独占一个 OS 线程、一个 reactor，
// 以及为每个地址独立创建的监听 socket。除只读的 Handler 外不与其他 worker 共享状态。
type Worker struct {
	id    int
	cfg   Config
	addrs []netip.AddrPort
	h     handler.Handler
	stats *Stats
	log   *zap.Logger

	// 以下字段只在 Run 所在的 goroutine 中访问
	pl        poller.Poller
	svc       Service
	listeners map[int]*Listener
	conns     map[int]*connection
	readBuf   []byte
}

// NewWorker 构造未启动的 worker；addrs 会被复制
func NewWorker(id int, addrs []netip.AddrPort, h handler.Handler, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		id:        id,
		cfg:       cfg,
		addrs:     append([]netip.AddrPort(nil), addrs...),
		h:         h,
		stats:     new(Stats),
		log:       cfg.Logger.With(zap.Int("worker", id)),
		listeners: make(map[int]*Listener, len(addrs)),
		conns:     make(map[int]*connection),
	}
}

func (w *Worker) ID() int { return w.id }

// Stats 返回该 worker 的计数器，可跨 goroutine 读取快照
func (w *Worker) Stats() *Stats { return w.stats }

// Run 运行 worker 直到出错或 ctx 取消。
// 正常服务期间不会返回；ctx 取消时返回 nil，否则返回第一个错误
// （*SchedulerInitError、*BindError 或 accept 循环的致命错误）。
func (w *Worker) Run(ctx context.Context) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// Binding
	pl, err := w.cfg.NewPoller()
	if err != nil {
		return &SchedulerInitError{Worker: w.id, Err: err}
	}
	w.pl = pl
	defer func() {
		if cerr := w.teardown(); cerr != nil {
			w.log.Warn("teardown", zap.Error(cerr))
		}
	}()

	if w.cfg.ReusePort && !reusePortAvailable() {
		w.log.Warn("SO_REUSEPORT unavailable, binding without it; only one worker per address can bind")
	}
	for _, addr := range w.addrs {
		l, err := Bind(addr, BindOptions{Backlog: w.cfg.Backlog, ReusePort: w.cfg.ReusePort})
		if err != nil {
			var be *BindError
			if errors.As(err, &be) {
				be.Worker = w.id
			}
			w.log.Error("bind failed", zap.Stringer("addr", addr), zap.Error(err))
			return err
		}
		w.listeners[l.FD] = l
		w.stats.listenersOpened.Add(1)
		w.stats.listeners.Add(1)
		if err := pl.Register(l.FD, true, false); err != nil {
			return &BindError{Worker: w.id, Addr: addr, Step: StepRegister, Err: err}
		}
		w.log.Debug("listening", zap.Stringer("addr", addr), zap.Stringer("local", l.Local))
	}
	w.svc = NewService(w.h, w.id, w.stats, w.cfg)
	w.readBuf = make([]byte, 64<<10)

	// Serving
	stop := context.AfterFunc(ctx, func() { _ = pl.Stop() })
	defer stop()
	w.stats.running.Add(1)
	defer w.stats.running.Add(-1)
	w.log.Info("serving", zap.Int("listeners", len(w.listeners)))

	if err := pl.Run(w); err != nil {
		w.log.Error("worker failed", zap.Error(err))
		return err
	}
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) OnReadable(fd poller.FD) error {
	if l, ok := w.listeners[fd]; ok {
		return w.acceptAll(l)
	}
	if c, ok := w.conns[fd]; ok {
		c.onReadable()
	}
	return nil
}

func (w *Worker) OnWritable(fd poller.FD) error {
	if c, ok := w.conns[fd]; ok {
		c.onWritable()
	}
	return nil
}

func (w *Worker) OnHangup(fd poller.FD, err error) error {
	if l, ok := w.listeners[fd]; ok {
		return fmt.Errorf("listener %s: %w", l.Addr, err)
	}
	if c, ok := w.conns[fd]; ok {
		c.onHangup(err)
	}
	return nil
}

// acceptAll 边缘触发：一直 accept 直到 EAGAIN
func (w *Worker) acceptAll(l *Listener) error {
	for {
		fd, sa, err := sysAccept(l.FD)
		if err != nil {
			switch {
			case err == unix.EAGAIN:
				return nil
			case err == unix.EINTR, err == unix.ECONNABORTED, err == unix.EPROTO:
				continue
			case temporaryAcceptError(err):
				// fd 或内存暂时耗尽：放弃本轮，等待下一次可读事件
				w.log.Warn("accept", zap.Stringer("addr", l.Addr), zap.Error(err))
				return nil
			}
			return fmt.Errorf("accept %s: %w", l.Addr, err)
		}
		_ = netutil.SetNoDelay(fd, true)
		if err := w.pl.Register(fd, true, false); err != nil {
			w.log.Warn("register conn", zap.Error(err))
			unix.Close(fd)
			continue
		}
		c := newConnection(fd, netutil.AddrPort(sa), w, w.svc.Clone())
		w.conns[fd] = c
		w.stats.connsAccepted.Add(1)
		w.stats.conns.Add(1)
	}
}

func temporaryAcceptError(err error) bool {
	switch err {
	case unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM:
		return true
	}
	return false
}

func (w *Worker) teardown() error {
	var err error
	for _, c := range w.conns {
		err = multierr.Append(err, c.close(nil))
	}
	for fd, l := range w.listeners {
		_ = w.pl.Unregister(fd)
		err = multierr.Append(err, l.Close())
		delete(w.listeners, fd)
		w.stats.listeners.Add(-1)
	}
	return multierr.Append(err, w.pl.Close())
}
