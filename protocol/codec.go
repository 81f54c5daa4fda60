// Package protocol 是 HTTP/1.x 的协议引擎：把接收缓冲切分为请求，把响应编码为字节。
// 它不持有 socket，由 worker 的连接状态机喂入字节、取走帧。
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/legamerdc/shio/handler"
)

var (
	// ErrIncomplete 缓冲中尚无完整请求，需要更多数据
	ErrIncomplete = errors.New("protocol: incomplete request")
	// ErrMalformed 请求无法解析，连接应回 400 后关闭
	ErrMalformed = errors.New("protocol: malformed request")
)

var (
	crlfcrlf = []byte("\r\n\r\n")
	lflf     = []byte("\n\n")
)

// ParseRequest 尝试从 buf 头部解析一个完整请求（含 body），返回已消费字节数。
// 请求体被拷贝出 buf，返回后 buf 可被复用。
func ParseRequest(buf []byte) (req *http.Request, consumed int, _ error) {
	if bytes.Index(buf, crlfcrlf) < 0 && bytes.Index(buf, lflf) < 0 {
		return nil, 0, ErrIncomplete
	}
	src := bytes.NewReader(buf)
	br := bufio.NewReaderSize(src, len(buf))
	req, err := http.ReadRequest(br)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.TransferEncoding = nil
	consumed = len(buf) - src.Len() - br.Buffered()
	return req, consumed, nil
}

// KeepAlive 判断响应后是否保持连接
// HTTP/1.1 默认保持，HTTP/1.0 需显式 keep-alive；ReadRequest 已据此设置 req.Close
func KeepAlive(req *http.Request) bool {
	return req != nil && !req.Close && req.ProtoAtLeast(1, 0)
}

// 由编码器统一生成的头部，忽略 handler 给出的值
var managedHeaders = map[string]bool{
	"Content-Length":    true,
	"Connection":        true,
	"Transfer-Encoding": true,
	"Date":              true,
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// AppendResponse 将 resp 编码为 HTTP/1.1 响应追加到 dst。
// req 可为 nil（例如解析失败时的错误响应）。
func AppendResponse(dst []byte, req *http.Request, resp *handler.Response, keepAlive bool) []byte {
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	text := http.StatusText(status)
	if text == "" {
		text = "status code " + strconv.Itoa(status)
	}

	b := getBuffer()
	defer putBuffer(b)
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(text)
	b.WriteString("\r\n")
	if resp.Header != nil {
		_ = resp.Header.WriteSubset(b, managedHeaders)
	}
	b.WriteString("Date: ")
	b.WriteString(time.Now().UTC().Format(http.TimeFormat))
	b.WriteString("\r\n")
	withBody := bodyAllowed(status)
	if withBody {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.Itoa(len(resp.Body)))
		b.WriteString("\r\n")
	}
	switch {
	case !keepAlive:
		b.WriteString("Connection: close\r\n")
	case req != nil && !req.ProtoAtLeast(1, 1):
		b.WriteString("Connection: keep-alive\r\n")
	}
	b.WriteString("\r\n")
	if withBody && (req == nil || req.Method != http.MethodHead) {
		b.Write(resp.Body)
	}
	return append(dst, b.Bytes()...)
}
