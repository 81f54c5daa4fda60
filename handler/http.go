package handler

import (
	"bytes"
	"net/http"
)

// HTTP 将 net/http 的 Handler（例如 chi 路由）适配为 Handler。
// 输出先完整缓冲，再交由协议引擎编码；不支持 Hijack 与流式 Flush。
func HTTP(h http.Handler) Handler {
	return Func(func(req *http.Request) (*Response, error) {
		w := &bufferWriter{header: make(http.Header)}
		h.ServeHTTP(w, req)
		if w.status == 0 {
			w.status = http.StatusOK
		}
		return &Response{Status: w.status, Header: w.header, Body: w.body.Bytes()}, nil
	})
}

type bufferWriter struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func (w *bufferWriter) Header() http.Header { return w.header }

func (w *bufferWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}
