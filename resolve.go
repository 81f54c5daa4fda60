package shio

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Addresser 描述要监听的一个或多个地址
type Addresser interface {
	resolve(ctx context.Context, r *net.Resolver) ([]netip.AddrPort, error)
	String() string
}

// HostPort 为 "host:port" 形式的地址。host 可为 IP 字面量、域名或空（即 0.0.0.0），
// port 可为数字或服务名（如 "http"）。
type HostPort string

func (hp HostPort) String() string { return string(hp) }

func (hp HostPort) resolve(ctx context.Context, r *net.Resolver) ([]netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(string(hp))
	if err != nil {
		return nil, err
	}
	port, err := lookupPort(ctx, r, portStr)
	if err != nil {
		return nil, err
	}
	if host == "" {
		return []netip.AddrPort{netip.AddrPortFrom(netip.IPv4Unspecified(), port)}, nil
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.AddrPort{netip.AddrPortFrom(ip, port)}, nil
	}
	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.AddrPortFrom(ip, port))
	}
	return out, nil
}

func lookupPort(ctx context.Context, r *net.Resolver, s string) (uint16, error) {
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(n), nil
	}
	n, err := r.LookupPort(ctx, "tcp", s)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// AddrPorts 为已解析的地址，原样使用
type AddrPorts []netip.AddrPort

func (a AddrPorts) String() string {
	parts := make([]string, len(a))
	for i, ap := range a {
		parts[i] = ap.String()
	}
	return strings.Join(parts, ",")
}

func (a AddrPorts) resolve(context.Context, *net.Resolver) ([]netip.AddrPort, error) {
	for _, ap := range a {
		if !ap.IsValid() {
			return nil, ErrInvalidAddress
		}
	}
	return append([]netip.AddrPort(nil), a...), nil
}

type addrList []Addresser

// Addrs 组合多个地址描述，按顺序解析；nil 元素被忽略
func Addrs(specs ...Addresser) Addresser { return addrList(specs) }

func (l addrList) String() string {
	parts := make([]string, 0, len(l))
	for _, s := range l {
		if s != nil {
			parts = append(parts, s.String())
		}
	}
	return strings.Join(parts, ",")
}

func (l addrList) resolve(ctx context.Context, r *net.Resolver) ([]netip.AddrPort, error) {
	var out []netip.AddrPort
	for _, s := range l {
		if s == nil {
			continue
		}
		aps, err := s.resolve(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, aps...)
	}
	return out, nil
}

// Resolve 将地址描述解析为有序、去重的套接字地址列表。
// IPv4-mapped IPv6 地址会被还原为 IPv4，保证协议族选择无歧义。
// r 为 nil 时使用 net.DefaultResolver；任何失败（包括结果为空）都返回 *ResolutionError。
func Resolve(ctx context.Context, r *net.Resolver, spec Addresser) ([]netip.AddrPort, error) {
	if spec == nil {
		return nil, &ResolutionError{Err: ErrNoAddresses}
	}
	if r == nil {
		r = net.DefaultResolver
	}
	aps, err := spec.resolve(ctx, r)
	if err != nil {
		return nil, &ResolutionError{Spec: spec.String(), Err: err}
	}
	seen := make(map[netip.AddrPort]struct{}, len(aps))
	out := aps[:0]
	for _, ap := range aps {
		if ap.Addr().Is4In6() {
			ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		}
		if _, ok := seen[ap]; ok {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	if len(out) == 0 {
		return nil, &ResolutionError{Spec: spec.String(), Err: ErrNoAddresses}
	}
	return out, nil
}
