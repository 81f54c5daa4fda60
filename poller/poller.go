// Package poller 是每个 worker 私有的单线程事件循环（reactor）。
// 一个 Poller 只能由一个 goroutine 调用 Run；Stop/Wake 可以跨 goroutine 调用。
package poller

import "errors"

// FD 表示文件描述符。
type FD = int

// ErrPlatformNotSupported 当前平台没有 epoll/kqueue
var ErrPlatformNotSupported = errors.New("poller: platform not supported (requires epoll or kqueue)")

// Handler 是 poller 的事件回调接口。
// 在对应的 poller goroutine 中调用，要求无阻塞返回。
// 回调返回非 nil 错误时 Run 立即以该错误结束。
type Handler interface {
	OnReadable(fd FD) error
	OnWritable(fd FD) error
	OnHangup(fd FD, err error) error
}

// Poller 提供注册/事件循环。
type Poller interface {
	Register(fd FD, readable, writable bool) error
	Mod(fd FD, readable, writable bool) error
	// Unregister 之后，本轮已取到的该 fd 的剩余事件不再分发
	Unregister(fd FD) error
	// Run 阻塞直到 Stop 被调用（返回 nil）或回调/系统调用出错（返回该错误）
	Run(h Handler) error
	// Stop 请求 Run 尽快返回
	Stop() error
	// Wake 唤醒阻塞中的 Run；Close 之后为空操作
	Wake() error
	// Close 释放内核对象，只能在 Run 返回后调用；重复调用返回 nil
	Close() error
}
