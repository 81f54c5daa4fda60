//go:build !linux && !darwin

package server

import "net/netip"

type BindOptions struct {
	Backlog   int
	ReusePort bool
}

type Listener struct {
	FD    int
	Addr  netip.AddrPort
	Local netip.AddrPort
}

func (l *Listener) Close() error { return nil }

func Bind(addr netip.AddrPort, opts BindOptions) (*Listener, error) {
	return nil, &BindError{Worker: -1, Addr: addr, Step: StepSocket, Err: ErrPlatformNotSupported}
}
