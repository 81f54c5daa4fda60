package shio

import (
	"net"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/legamerdc/shio/poller"
	"github.com/legamerdc/shio/server"
)

// DefaultResolveTimeout 启动时地址解析的超时
const DefaultResolveTimeout = 5 * time.Second

// Config 为监听池配置；除 Threads 与解析相关字段外，其余原样下发给每个 worker
type Config struct {
	Threads          int  // worker 数量，<= 0 时取 runtime.NumCPU()
	Backlog          int  // listen(2) backlog
	ReusePort        bool // SO_REUSEPORT
	MaxRequestBytes  int  // 单个请求（头+体）上限
	Compression      bool // 按 Accept-Encoding 压缩响应（zstd / gzip）
	CompressMinBytes int

	ResolveTimeout time.Duration
	Resolver       *net.Resolver // nil 时使用 net.DefaultResolver
	Logger         *zap.Logger   // nil 时使用 zap.L()

	// NewPoller 每个 worker 调用一次以获得私有 reactor，参数为 worker 序号；nil 时使用 poller.New
	NewPoller func(worker int) (poller.Poller, error)
}

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config {
	return Config{
		Threads:          runtime.NumCPU(),
		Backlog:          server.DefaultBacklog,
		ReusePort:        true,
		MaxRequestBytes:  server.DefaultMaxRequestBytes,
		CompressMinBytes: server.DefaultCompressMin,
		ResolveTimeout:   DefaultResolveTimeout,
	}
}

func (c Config) threads() int {
	if c.Threads <= 0 {
		return runtime.NumCPU()
	}
	return c.Threads
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.L()
	}
	return c.Logger
}

func (c Config) workerConfig(worker int) server.Config {
	var newPoller func() (poller.Poller, error)
	if c.NewPoller != nil {
		newPoller = func() (poller.Poller, error) { return c.NewPoller(worker) }
	}
	return server.Config{
		Backlog:          c.Backlog,
		ReusePort:        c.ReusePort,
		MaxRequestBytes:  c.MaxRequestBytes,
		Compression:      c.Compression,
		CompressMinBytes: c.CompressMinBytes,
		Logger:           c.logger(),
		NewPoller:        newPoller,
	}
}

// Option 修改 Config
type Option func(*Config)

func WithConfig(cfg Config) Option { return func(c *Config) { *c = cfg } }

func WithThreads(n int) Option { return func(c *Config) { c.Threads = n } }

func WithBacklog(n int) Option { return func(c *Config) { c.Backlog = n } }

// WithReusePort 关闭后同一地址只能被一个 worker 绑定，其余 worker 以 BindError 退出
func WithReusePort(on bool) Option { return func(c *Config) { c.ReusePort = on } }

func WithMaxRequestBytes(n int) Option { return func(c *Config) { c.MaxRequestBytes = n } }

// WithCompression 开启响应压缩；minBytes <= 0 时使用默认阈值
func WithCompression(minBytes int) Option {
	return func(c *Config) {
		c.Compression = true
		if minBytes > 0 {
			c.CompressMinBytes = minBytes
		}
	}
}

func WithResolver(r *net.Resolver, timeout time.Duration) Option {
	return func(c *Config) {
		c.Resolver = r
		if timeout > 0 {
			c.ResolveTimeout = timeout
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(c *Config) { c.Logger = l } }

func WithPoller(f func(worker int) (poller.Poller, error)) Option {
	return func(c *Config) { c.NewPoller = f }
}
