// Package client 是一个最小的 HTTP/1.1 长连接客户端，单连接上串行或流水线发送请求。
// 用于示例与测试，观察同一连接上的请求顺序与 keep-alive 行为。
package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Request 描述一个待发送请求
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Response 为已完整读取 body 的响应
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Close  bool
}

type Client struct {
	conn net.Conn
	host string
	br   *bufio.Reader
	mu   sync.Mutex
}

func Dial(network, address string) (*Client, error) {
	nc, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{conn: nc, host: address, br: bufio.NewReader(nc)}, nil
}

// Do 发送一个请求并等待其响应
func (c *Client) Do(req Request) (*Response, error) {
	resps, err := c.Pipeline(req)
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// Pipeline 一次写出全部请求，再按顺序读取响应
func (c *Client) Pipeline(reqs ...Request) ([]*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out bytes.Buffer
	for _, r := range reqs {
		writeRequest(&out, c.host, r)
	}
	if _, err := c.conn.Write(out.Bytes()); err != nil {
		return nil, err
	}
	resps := make([]*Response, 0, len(reqs))
	for _, r := range reqs {
		resp, err := http.ReadResponse(c.br, &http.Request{Method: r.Method})
		if err != nil {
			return resps, err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return resps, err
		}
		resps = append(resps, &Response{Status: resp.StatusCode, Header: resp.Header, Body: body, Close: resp.Close})
	}
	return resps, nil
}

// WriteRaw 直接写入原始字节，用于构造畸形或分片请求
func (c *Client) WriteRaw(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(p)
	return err
}

// ReadResponse 读取下一个响应
func (c *Client) ReadResponse(method string) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body, Close: resp.Close}, nil
}

func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

func (c *Client) Close() error { return c.conn.Close() }

func writeRequest(w *bytes.Buffer, host string, r Request) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	path := r.Path
	if path == "" {
		path = "/"
	}
	fmt.Fprintf(w, "%s %s HTTP/1.1\r\nHost: %s\r\n", method, path, host)
	if r.Header != nil {
		_ = r.Header.WriteSubset(w, map[string]bool{"Host": true, "Content-Length": true})
	}
	if len(r.Body) > 0 || method == http.MethodPost || method == http.MethodPut {
		fmt.Fprintf(w, "Content-Length: %d\r\n", len(r.Body))
	}
	w.WriteString("\r\n")
	w.Write(r.Body)
}
