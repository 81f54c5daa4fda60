//go:build linux

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

var errHangup = errors.New("epoll: err|hup")

type epollPoller struct {
	efd      int
	wfd      int // eventfd for wakeup
	stopping atomic.Bool

	mu     sync.Mutex // 保护 wfd 的写入与关闭
	closed bool

	// 本轮事件分发中已注销的 fd；同一批次里它们剩余的事件已过期
	dropped []FD
}

func New() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &epollPoller{efd: efd, wfd: wfd}
	// 注册 wakeup fd
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, fmt.Errorf("epoll_ctl wakeup: %w", err)
	}
	return p, nil
}

func epollFlags(readable, writable bool) uint32 {
	var flag uint32 = unix.EPOLLET
	if readable {
		flag |= unix.EPOLLIN
	}
	if writable {
		flag |= unix.EPOLLOUT
	}
	return flag
}

func (p *epollPoller) Register(fd FD, readable, writable bool) error {
	ev := &unix.EpollEvent{Events: epollFlags(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Mod(fd FD, readable, writable bool) error {
	ev := &unix.EpollEvent{Events: epollFlags(readable, writable), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Unregister(fd FD) error {
	p.dropped = append(p.dropped, fd)
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wake 在 Close 之后调用时什么也不做，避免写入已被复用的 fd 号
func (p *epollPoller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Stop() error {
	p.stopping.Store(true)
	return p.Wake()
}

func (p *epollPoller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := unix.Close(p.wfd)
	if cerr := unix.Close(p.efd); err == nil {
		err = cerr
	}
	return err
}

func (p *epollPoller) Run(h Handler) error {
	defer runtime.KeepAlive(p)
	events := make([]unix.EpollEvent, 1024)
	var efdBuf [8]byte
	for !p.stopping.Load() {
		n, err := unix.EpollWait(p.efd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}
		p.dropped = p.dropped[:0]
		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)
			if slices.Contains(p.dropped, fd) {
				continue
			}
			if fd == p.wfd {
				// 清空 eventfd
				for {
					_, rerr := unix.Read(p.wfd, efdBuf[:])
					if rerr == unix.EAGAIN {
						break
					}
					if rerr != nil {
						return fmt.Errorf("eventfd read: %w", rerr)
					}
				}
				continue
			}
			// 先处理可读，缓冲中的数据在对端挂断前仍需消费
			if (ev.Events & unix.EPOLLIN) != 0 {
				if err := h.OnReadable(fd); err != nil {
					return err
				}
			}
			if (ev.Events & (unix.EPOLLERR | unix.EPOLLHUP)) != 0 {
				if err := h.OnHangup(fd, errHangup); err != nil {
					return err
				}
				continue
			}
			if (ev.Events & unix.EPOLLOUT) != 0 {
				if err := h.OnWritable(fd); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
