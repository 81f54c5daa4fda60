package shio

import (
	"errors"
	"fmt"

	"github.com/legamerdc/shio/server"
)

var (
	// ErrNoAddresses 地址描述解析后为空
	ErrNoAddresses = errors.New("shio: address spec resolved to no addresses")

	ErrPlatformNotSupported = server.ErrPlatformNotSupported
	ErrPortReuseUnavailable = server.ErrPortReuseUnavailable
	ErrInvalidAddress       = server.ErrInvalidAddress
)

type (
	BindError          = server.BindError
	BindStep           = server.BindStep
	SchedulerInitError = server.SchedulerInitError
)

// ResolutionError 地址描述无法解析；此时尚未启动任何 worker，也未创建任何 socket
type ResolutionError struct {
	Spec string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("shio: resolve %q: %v", e.Spec, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// JoinFailure 在调用方 goroutine 上重新抛出的 worker panic
type JoinFailure struct {
	Worker int
	Value  any
	Stack  []byte
}

func (e *JoinFailure) Error() string {
	return fmt.Sprintf("shio: worker %d panicked: %v", e.Worker, e.Value)
}

// Unwrap 当 panic 值本身是 error 时返回它
func (e *JoinFailure) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
