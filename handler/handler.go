// Package handler 定义请求处理契约。
//
// 一个 Handler 在进程内只构造一次，被所有 worker 共享并在多个 OS 线程上并发调用；
// 实现若持有可变状态，必须自行保证并发安全。开始服务后不得再修改。
package handler

import (
	"net/http"
)

// Handler 接收一个已解析的请求，返回响应或失败。
// req.Body 已被完整读入内存，可重复读取一次。
type Handler interface {
	Handle(req *http.Request) (*Response, error)
}

// Func 将普通函数适配为 Handler
type Func func(req *http.Request) (*Response, error)

func (f Func) Handle(req *http.Request) (*Response, error) { return f(req) }

// Response 为处理结果，由协议引擎负责编码（Content-Length 自动计算）
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Text 构造 text/plain 响应
func Text(status int, body string) *Response {
	r := &Response{Status: status, Header: make(http.Header, 1), Body: []byte(body)}
	r.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return r
}

// Bytes 构造指定 Content-Type 的响应；contentType 为空时不设置
func Bytes(status int, contentType string, body []byte) *Response {
	r := &Response{Status: status, Header: make(http.Header, 1), Body: body}
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	return r
}
