//go:build linux || darwin

package server

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/libp2p/go-reuseport"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/shio/internal/netutil"
)

// BindOptions 控制 Socket Binder 的策略常量
type BindOptions struct {
	Backlog   int
	ReusePort bool
}

// Listener 为已 bind + listen 的非阻塞监听 fd，只属于创建它的 worker
type Listener struct {
	FD    int
	Addr  netip.AddrPort // 请求绑定的地址
	Local netip.AddrPort // 内核实际绑定的地址
}

func (l *Listener) Close() error { return unix.Close(l.FD) }

var reusePortAvailable = sync.OnceValue(reuseport.Available)

// Bind 为一个地址独立创建一个监听 socket。
// 每次调用都是新的 socket(2)，多个 worker 依赖 SO_REUSEPORT 共享同一 (地址, 端口)，
// 由内核在它们之间分发新连接。
func Bind(addr netip.AddrPort, opts BindOptions) (*Listener, error) {
	fail := func(step BindStep, err error) (*Listener, error) {
		return nil, &BindError{Worker: -1, Addr: addr, Step: step, Err: err}
	}
	if !addr.IsValid() {
		return fail(StepSocket, ErrInvalidAddress)
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}

	// 显式选择协议族，不使用双栈
	fam := netutil.Family(addr)
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return fail(StepSocket, err)
	}
	unix.CloseOnExec(fd)
	closeFail := func(step BindStep, err error) (*Listener, error) {
		unix.Close(fd)
		return fail(step, err)
	}

	if err := netutil.SetReuseAddr(fd, true); err != nil {
		return closeFail(StepReuseAddr, err)
	}
	reuseSkipped := false
	if opts.ReusePort {
		if reusePortAvailable() {
			if err := netutil.SetReusePort(fd, true); err != nil {
				return closeFail(StepReusePort, err)
			}
		} else {
			reuseSkipped = true
		}
	}
	if fam == unix.AF_INET6 {
		if err := netutil.SetV6Only(fd, true); err != nil {
			return closeFail(StepV6Only, err)
		}
	}
	if err := netutil.SetNonblock(fd, true); err != nil {
		return closeFail(StepNonblock, err)
	}
	if err := unix.Bind(fd, netutil.Sockaddr(addr)); err != nil {
		if reuseSkipped && errors.Is(err, unix.EADDRINUSE) {
			err = fmt.Errorf("%w (%w)", err, ErrPortReuseUnavailable)
		}
		return closeFail(StepBind, err)
	}
	if err := unix.Listen(fd, opts.Backlog); err != nil {
		return closeFail(StepListen, err)
	}
	local, err := netutil.LocalAddrPort(fd)
	if err != nil {
		local = addr
	}
	return &Listener{FD: fd, Addr: addr, Local: local}, nil
}
