//go:build linux || darwin

package server

import (
	"errors"
	"net/http"
	"net/netip"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/shio/handler"
	"github.com/legamerdc/shio/internal/ring"
	"github.com/legamerdc/shio/protocol"
)

// initialRxBytes 为接收缓冲首次分配的大小，之后按需增长到 MaxRequestBytes
const initialRxBytes = 4 << 10

// outFrame 为待发送的响应；部分写入后 buf 指向剩余部分
type outFrame struct {
	buf []byte
}

// connection 是一条已 accept 连接的状态机，只在所属 worker 的 poller 线程中运行。
// 同一连接的请求按接收顺序串行处理。
type connection struct {
	fd   int
	peer netip.AddrPort
	w    *Worker
	svc  Service

	rx *ring.Buffer
	wq *queue.Queue // *outFrame

	wantWrite bool // 已开启写事件
	closing   bool // 写队列清空后关闭
	closed    bool
}

func newConnection(fd int, peer netip.AddrPort, w *Worker, svc Service) *connection {
	return &connection{
		fd:   fd,
		peer: peer,
		w:    w,
		svc:  svc,
		rx:   ring.NewElastic(initialRxBytes, w.cfg.MaxRequestBytes),
		wq:   queue.New(),
	}
}

func (c *connection) onReadable() {
	buf := c.w.readBuf
	for !c.closed && !c.closing {
		n, err := unix.Read(c.fd, buf[:min(len(buf), c.rx.Free())])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return
		case err != nil:
			c.close(err)
			return
		case n == 0:
			// 对端关闭写方向：已缓冲的请求处理完毕，刷完响应后关闭
			c.closing = true
			if c.wq.Length() == 0 {
				c.close(nil)
			}
			return
		}
		_, _ = c.rx.Write(buf[:n])
		c.process()
	}
}

// process 解析并处理接收缓冲中所有完整的请求
func (c *connection) process() {
	for !c.closing && !c.closed && c.rx.Len() > 0 {
		req, n, err := protocol.ParseRequest(c.rx.Bytes())
		if errors.Is(err, protocol.ErrIncomplete) {
			if c.rx.Full() {
				c.reply(nil, handler.Text(http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge)+"\n"), false)
			}
			return
		}
		if err != nil {
			c.w.log.Debug("bad request", zap.Stringer("peer", c.peer), zap.Error(err))
			c.reply(nil, handler.Text(http.StatusBadRequest, http.StatusText(http.StatusBadRequest)+"\n"), false)
			return
		}
		c.rx.Discard(n)
		req.RemoteAddr = c.peer.String()
		keepAlive := protocol.KeepAlive(req)
		c.reply(req, c.svc.Call(req), keepAlive)
	}
}

func (c *connection) reply(req *http.Request, resp *handler.Response, keepAlive bool) {
	if !keepAlive {
		c.closing = true
	}
	c.wq.Add(&outFrame{buf: protocol.AppendResponse(nil, req, resp, keepAlive)})
	if c.wq.Length() == 1 {
		// 尝试立即写
		c.flush()
	}
}

func (c *connection) onWritable() { c.flush() }

func (c *connection) flush() {
	for !c.closed && c.wq.Length() > 0 {
		f := c.wq.Peek().(*outFrame)
		n, err := unix.Write(c.fd, f.buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			// 未清空则打开写事件
			if !c.wantWrite {
				if merr := c.w.pl.Mod(c.fd, true, true); merr != nil {
					c.close(merr)
					return
				}
				c.wantWrite = true
			}
			return
		case err != nil:
			c.close(err)
			return
		}
		if n < len(f.buf) {
			f.buf = f.buf[n:]
			continue
		}
		c.wq.Remove()
	}
	if c.closed {
		return
	}
	// 全部写完，关闭写事件
	if c.wantWrite {
		_ = c.w.pl.Mod(c.fd, true, false)
		c.wantWrite = false
	}
	if c.closing {
		c.close(nil)
	}
}

func (c *connection) onHangup(err error) {
	if c.closing && c.wq.Length() > 0 {
		// 半关闭：继续把响应写完
		c.flush()
		return
	}
	c.close(err)
}

func (c *connection) close(reason error) error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.w.pl.Unregister(c.fd)
	err := unix.Close(c.fd)
	delete(c.w.conns, c.fd)
	c.w.stats.conns.Add(-1)
	if reason != nil {
		c.w.log.Debug("conn closed", zap.Stringer("peer", c.peer), zap.Error(reason))
	}
	return err
}
