//go:build linux || darwin

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"

	"github.com/legamerdc/shio/client"
	"github.com/legamerdc/shio/handler"
	"github.com/legamerdc/shio/poller"
)

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

// freePort 让内核分配一个空闲端口后立即释放
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint16(port)
}

func TestBind(t *testing.T) {
	t.Run("ephemeral port", func(t *testing.T) {
		l, err := Bind(loopback(0), BindOptions{ReusePort: true})
		require.NoError(t, err)
		defer l.Close()
		assert.NotZero(t, l.Local.Port())
		assert.Equal(t, "127.0.0.1", l.Local.Addr().String())
	})

	t.Run("same address twice with port reuse", func(t *testing.T) {
		if !reusePortAvailable() {
			t.Skip("SO_REUSEPORT unavailable")
		}
		addr := loopback(freePort(t))
		a, err := Bind(addr, BindOptions{ReusePort: true})
		require.NoError(t, err)
		defer a.Close()
		b, err := Bind(addr, BindOptions{ReusePort: true})
		require.NoError(t, err)
		defer b.Close()
		assert.NotEqual(t, a.FD, b.FD)
		assert.Equal(t, a.Local, b.Local)
	})

	t.Run("same address twice without port reuse", func(t *testing.T) {
		addr := loopback(freePort(t))
		a, err := Bind(addr, BindOptions{})
		require.NoError(t, err)
		defer a.Close()

		_, err = Bind(addr, BindOptions{})
		var be *BindError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, addr, be.Addr)
		assert.Equal(t, StepBind, be.Step)
		assert.Equal(t, -1, be.Worker)
		assert.ErrorIs(t, err, unix.EADDRINUSE)
		assert.Contains(t, err.Error(), addr.String())
	})

	t.Run("ipv6 is v6only", func(t *testing.T) {
		l, err := Bind(netip.MustParseAddrPort("[::1]:0"), BindOptions{})
		if err != nil {
			t.Skipf("ipv6 loopback unavailable: %v", err)
		}
		defer l.Close()
		v, err := unix.GetsockoptInt(l.FD, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("invalid address", func(t *testing.T) {
		_, err := Bind(netip.AddrPort{}, BindOptions{})
		assert.ErrorIs(t, err, ErrInvalidAddress)
	})
}

type runningWorker struct {
	w      *Worker
	cancel context.CancelFunc
	done   chan error
}

func (rw *runningWorker) stop(t *testing.T) error {
	t.Helper()
	rw.cancel()
	select {
	case err := <-rw.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func startWorker(t *testing.T, id int, addrs []netip.AddrPort, h handler.Handler, mutate func(*Config)) *runningWorker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = zaptest.NewLogger(t)
	if mutate != nil {
		mutate(&cfg)
	}
	w := NewWorker(id, addrs, h, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	rw := &runningWorker{w: w, cancel: cancel, done: make(chan error, 1)}
	go func() { rw.done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-rw.done
	})
	return rw
}

func waitServing(t *testing.T, rw *runningWorker) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rw.w.Stats().Snapshot().Workers == 1
	}, 3*time.Second, 5*time.Millisecond)
}

func echoHandler() handler.Handler {
	return handler.Func(func(req *http.Request) (*handler.Response, error) {
		switch req.URL.Path {
		case "/fail":
			return nil, errors.New("handler exploded")
		case "/echo":
			body, _ := io.ReadAll(req.Body)
			return handler.Text(http.StatusOK, string(body)), nil
		}
		return handler.Text(http.StatusOK, "path="+req.URL.Path+" query="+req.URL.RawQuery), nil
	})
}

func TestWorkerServesHTTP(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), nil)
	waitServing(t, rw)

	resp, err := http.Get(fmt.Sprintf("http://%s/hello?x=1", addr))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "path=/hello query=x=1", string(body))

	resp, err = http.Post(fmt.Sprintf("http://%s/echo", addr), "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ping", string(body))

	require.NoError(t, rw.stop(t))
	snap := rw.w.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.ListenersOpened)
	assert.Zero(t, snap.Listeners)
	assert.Zero(t, snap.Workers)
}

func TestWorkerHandlerFailureKeepsConnection(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), nil)
	waitServing(t, rw)

	c, err := client.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	resp, err := c.Do(client.Request{Path: "/fail"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.False(t, resp.Close)

	// 同一连接继续可用
	resp, err = c.Do(client.Request{Path: "/after"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "path=/after query=", string(resp.Body))

	snap := rw.w.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.HandlerFailures)
	assert.EqualValues(t, 2, snap.Requests)
	assert.EqualValues(t, 1, snap.Workers)
}

func TestWorkerPipelining(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), nil)
	waitServing(t, rw)

	c, err := client.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	var reqs []client.Request
	for i := 0; i < 20; i++ {
		reqs = append(reqs, client.Request{Method: http.MethodPost, Path: "/echo", Body: []byte(fmt.Sprintf("req-%02d", i))})
	}
	resps, err := c.Pipeline(reqs...)
	require.NoError(t, err)
	require.Len(t, resps, len(reqs))
	for i, r := range resps {
		assert.Equal(t, fmt.Sprintf("req-%02d", i), string(r.Body))
	}
}

func TestWorkerSplitWritesAndMalformed(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), nil)
	waitServing(t, rw)

	t.Run("request split across writes", func(t *testing.T) {
		c, err := client.Dial("tcp", addr.String())
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

		require.NoError(t, c.WriteRaw([]byte("POST /echo HTTP/1.1\r\nHost: x\r\nContent-Le")))
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.WriteRaw([]byte("ngth: 5\r\n\r\nhel")))
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, c.WriteRaw([]byte("lo")))

		resp, err := c.ReadResponse(http.MethodPost)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(resp.Body))
	})

	t.Run("malformed request gets 400 and close", func(t *testing.T) {
		c, err := client.Dial("tcp", addr.String())
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

		require.NoError(t, c.WriteRaw([]byte("BROKEN\r\n\r\n")))
		resp, err := c.ReadResponse(http.MethodGet)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
		assert.True(t, resp.Close)
	})
}

func TestWorkerRequestTooLarge(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), func(c *Config) { c.MaxRequestBytes = 4096 })
	waitServing(t, rw)

	c, err := client.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	// 恰好填满接收缓冲，请求仍不完整
	head := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 100000\r\n\r\n"
	raw := head + strings.Repeat("a", 4096-len(head))
	require.NoError(t, c.WriteRaw([]byte(raw)))
	resp, err := c.ReadResponse(http.MethodPost)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Status)
	assert.True(t, resp.Close)
}

func TestWorkerHTTP10ClosesConnection(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), nil)
	waitServing(t, rw)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("GET /old HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)
	raw, err := io.ReadAll(conn) // 服务端响应后关闭，ReadAll 以 EOF 结束
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, string(raw), "Connection: close\r\n")
	assert.True(t, strings.HasSuffix(string(raw), "path=/old query="))
}

func TestWorkerMultipleAddresses(t *testing.T) {
	addrs := []netip.AddrPort{loopback(freePort(t)), loopback(freePort(t))}
	rw := startWorker(t, 0, addrs, echoHandler(), nil)
	waitServing(t, rw)

	for _, addr := range addrs {
		resp, err := http.Get(fmt.Sprintf("http://%s/multi", addr))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.EqualValues(t, 2, rw.w.Stats().Snapshot().Listeners)
}

func TestWorkerSchedulerInitError(t *testing.T) {
	boom := errors.New("no epoll for you")
	rw := startWorker(t, 3, []netip.AddrPort{loopback(freePort(t))}, echoHandler(), func(c *Config) {
		c.NewPoller = func() (poller.Poller, error) { return nil, boom }
	})

	err := <-rw.done
	rw.done <- err // cleanup 仍需读取
	var se *SchedulerInitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 3, se.Worker)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, rw.w.Stats().Snapshot().ListenersOpened)
}

func TestWorkerBindErrorReleasesEarlierListeners(t *testing.T) {
	taken := loopback(freePort(t))
	holder, err := Bind(taken, BindOptions{})
	require.NoError(t, err)
	defer holder.Close()

	free := loopback(freePort(t))
	rw := startWorker(t, 7, []netip.AddrPort{free, taken}, echoHandler(), func(c *Config) { c.ReusePort = false })

	err = <-rw.done
	rw.done <- err
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 7, be.Worker)
	assert.Equal(t, taken, be.Addr)
	assert.Equal(t, StepBind, be.Step)

	snap := rw.w.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.ListenersOpened)
	assert.Zero(t, snap.Listeners)

	// 第一个地址的监听已被释放，可以重新绑定
	again, err := Bind(free, BindOptions{})
	require.NoError(t, err)
	again.Close()
}

func TestWorkerLargeRequestGrowsBuffer(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), nil)
	waitServing(t, rw)

	big := strings.Repeat("0123456789abcdef", 4096) // 64 KiB
	resp, err := http.Post(fmt.Sprintf("http://%s/echo", addr), "text/plain", strings.NewReader(big))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, big, string(body))
}

func TestWorkerIdleConnectionsStaySmall(t *testing.T) {
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), nil)
	waitServing(t, rw)

	const idle = 128
	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	conns := make([]net.Conn, 0, idle)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < idle; i++ {
		c, err := net.Dial("tcp", addr.String())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	require.Eventually(t, func() bool {
		return rw.w.Stats().Snapshot().Conns == idle
	}, 5*time.Second, 5*time.Millisecond)

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	perConn := (int64(after.HeapAlloc) - int64(before.HeapAlloc)) / idle
	// 客户端与服务端两侧的连接结构加起来远小于一个接收缓冲
	assert.Less(t, perConn, int64(initialRxBytes*4), "heap per idle conn: %d bytes", perConn)
}

func TestWorkerWarnsWhenPortReuseUnavailable(t *testing.T) {
	orig := reusePortAvailable
	reusePortAvailable = func() bool { return false }
	t.Cleanup(func() { reusePortAvailable = orig })

	core, logs := observer.New(zap.WarnLevel)
	addr := loopback(freePort(t))
	rw := startWorker(t, 0, []netip.AddrPort{addr}, echoHandler(), func(c *Config) { c.Logger = zap.New(core) })
	waitServing(t, rw)
	assert.Equal(t, 1, logs.FilterMessageSnippet("SO_REUSEPORT unavailable").Len())

	// 第二个绑定者明确失败，而不是悄悄共享
	_, err := Bind(addr, BindOptions{ReusePort: true})
	assert.ErrorIs(t, err, ErrPortReuseUnavailable)
	assert.ErrorIs(t, err, unix.EADDRINUSE)
}
