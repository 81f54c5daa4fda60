//go:build darwin

package server

import (
	"golang.org/x/sys/unix"
)

// darwin 没有 accept4，分步设置 O_NONBLOCK 与 FD_CLOEXEC
func sysAccept(lfd int) (int, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept(lfd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	// 避免向已关闭的对端写入时触发 SIGPIPE
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	return fd, sa, nil
}
