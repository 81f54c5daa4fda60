package handler

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
)

// ErrFrozen 路由表已冻结（服务开始后）
var ErrFrozen = errors.New("handler: router is frozen")

// Router 按 method + path 精确匹配。
// 冻结前只允许单 goroutine 注册；冻结后只读，可被所有 worker 并发调用。
type Router struct {
	routes map[string]map[string]Handler // path -> method -> handler
	frozen atomic.Bool
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]map[string]Handler)}
}

// Route 注册路由；method 为空匹配任意方法
func (r *Router) Route(method, path string, h Handler) error {
	if r.frozen.Load() {
		return ErrFrozen
	}
	if h == nil || path == "" {
		return errors.New("handler: invalid route")
	}
	byMethod, ok := r.routes[path]
	if !ok {
		byMethod = make(map[string]Handler)
		r.routes[path] = byMethod
	}
	byMethod[strings.ToUpper(method)] = h
	return nil
}

// Freeze 冻结路由表，之后 Route 返回 ErrFrozen。可重复调用。
func (r *Router) Freeze() { r.frozen.Store(true) }

func (r *Router) Frozen() bool { return r.frozen.Load() }

func (r *Router) Handle(req *http.Request) (*Response, error) {
	byMethod, ok := r.routes[req.URL.Path]
	if !ok {
		return nil, &Error{Status: http.StatusNotFound}
	}
	if h, ok := byMethod[req.Method]; ok {
		return h.Handle(req)
	}
	if h, ok := byMethod[""]; ok {
		return h.Handle(req)
	}
	allow := make([]string, 0, len(byMethod))
	for m := range byMethod {
		allow = append(allow, m)
	}
	sort.Strings(allow)
	resp := Text(http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed)+"\n")
	resp.Header.Set("Allow", strings.Join(allow, ", "))
	return resp, nil
}
