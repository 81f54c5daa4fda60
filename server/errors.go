package server

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrPlatformNotSupported 非 Linux/Darwin 平台无法创建监听与 reactor
	ErrPlatformNotSupported = errors.New("shio: platform not supported (requires linux or darwin)")

	// ErrPortReuseUnavailable 平台不支持 SO_REUSEPORT，同一地址只能被第一个 worker 绑定
	ErrPortReuseUnavailable = errors.New("shio: SO_REUSEPORT unavailable on this platform")

	// ErrInvalidAddress 地址为零值或无效
	ErrInvalidAddress = errors.New("shio: invalid address")
)

// BindStep 标识 Socket Binder 中失败的步骤
type BindStep string

const (
	StepSocket    BindStep = "socket"
	StepReuseAddr BindStep = "reuseaddr"
	StepReusePort BindStep = "reuseport"
	StepV6Only    BindStep = "v6only"
	StepNonblock  BindStep = "nonblock"
	StepBind      BindStep = "bind"
	StepListen    BindStep = "listen"
	StepRegister  BindStep = "register"
)

// BindError 某个 (worker, 地址) 的监听创建失败；只终止该 worker。
// Worker 为 -1 表示在 worker 之外直接调用 Bind。
type BindError struct {
	Worker int
	Addr   netip.AddrPort
	Step   BindStep
	Err    error
}

func (e *BindError) Error() string {
	if e.Worker < 0 {
		return fmt.Sprintf("shio: bind %s: %s: %v", e.Addr, e.Step, e.Err)
	}
	return fmt.Sprintf("shio: worker %d: bind %s: %s: %v", e.Worker, e.Addr, e.Step, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// SchedulerInitError worker 无法创建私有的事件循环（epoll/kqueue）
type SchedulerInitError struct {
	Worker int
	Err    error
}

func (e *SchedulerInitError) Error() string {
	return fmt.Sprintf("shio: worker %d: scheduler init: %v", e.Worker, e.Err)
}

func (e *SchedulerInitError) Unwrap() error { return e.Err }
