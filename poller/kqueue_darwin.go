//go:build darwin

package poller

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var errEOF = errors.New("kqueue: eof")

type kqueuePoller struct {
	kq       int
	wfd      int // 写端，用于唤醒
	rfd      int // 读端，注册到 kqueue
	stopping atomic.Bool

	mu     sync.Mutex // 保护 wfd 的写入与关闭
	closed bool

	// 本轮事件分发中已注销的 fd；同一批次里它们剩余的事件已过期
	dropped []FD
}

func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	// 使用管道作为唤醒
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	rfd, wfd := p[0], p[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	unix.CloseOnExec(rfd)
	unix.CloseOnExec(wfd)
	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err = unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, fmt.Errorf("kevent wakeup: %w", err)
	}
	return &kqueuePoller{kq: kq, wfd: wfd, rfd: rfd}, nil
}

func (p *kqueuePoller) Register(fd FD, readable, writable bool) error {
	var changes []unix.Kevent_t
	if readable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if writable {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_CLEAR})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

// Mod 逐个过滤器修改；删除不存在的过滤器返回 ENOENT，忽略即可
func (p *kqueuePoller) Mod(fd FD, readable, writable bool) error {
	set := func(filter int16, on bool) error {
		flags := uint16(unix.EV_DELETE)
		if on {
			flags = unix.EV_ADD | unix.EV_CLEAR
		}
		kev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
		_, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
		if err == unix.ENOENT && !on {
			return nil
		}
		return err
	}
	if err := set(unix.EVFILT_READ, readable); err != nil {
		return err
	}
	return set(unix.EVFILT_WRITE, writable)
}

func (p *kqueuePoller) Unregister(fd FD) error {
	p.dropped = append(p.dropped, fd)
	// 关闭 fd 时内核自动移除，这里显式删除并忽略 ENOENT
	return p.Mod(fd, false, false)
}

// Wake 在 Close 之后调用时什么也不做，避免写入已被复用的 fd 号
func (p *kqueuePoller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(p.wfd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Stop() error {
	p.stopping.Store(true)
	return p.Wake()
}

func (p *kqueuePoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Run(h Handler) error {
	defer runtime.KeepAlive(p)
	events := make([]unix.Kevent_t, 1024)
	buf := make([]byte, 16)
	for !p.stopping.Load() {
		n, err := unix.Kevent(p.kq, nil, events, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("kevent: %w", err)
		}
		p.dropped = p.dropped[:0]
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Ident)
			if slices.Contains(p.dropped, fd) {
				continue
			}
			if fd == p.rfd {
				for {
					_, rerr := unix.Read(p.rfd, buf)
					if rerr == unix.EAGAIN {
						break
					}
					if rerr != nil {
						return fmt.Errorf("wakeup read: %w", rerr)
					}
				}
				continue
			}
			switch ev.Filter {
			case unix.EVFILT_READ:
				if err := h.OnReadable(fd); err != nil {
					return err
				}
				// 读完后若标记 EOF，再进行关闭回调
				if (ev.Flags & unix.EV_EOF) != 0 {
					if err := h.OnHangup(fd, errEOF); err != nil {
						return err
					}
				}
			case unix.EVFILT_WRITE:
				if err := h.OnWritable(fd); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
