package server

import (
	"go.uber.org/zap"

	"github.com/legamerdc/shio/poller"
)

const (
	// DefaultBacklog 已完成握手、尚未 accept 的连接队列长度
	DefaultBacklog         = 128
	DefaultMaxRequestBytes = 1 << 20 // 1 MiB
	DefaultCompressMin     = 1 << 10 // 1 KiB
)

// Config 为单个 worker 的配置，由 supervisor 在所有 worker 间共享（只读）
type Config struct {
	Backlog          int  // listen(2) backlog
	ReusePort        bool // SO_REUSEPORT，多 worker 绑定同一地址的前提
	MaxRequestBytes  int  // 每连接接收缓冲，单个请求（头+体）的上限
	Compression      bool // 按 Accept-Encoding 压缩响应
	CompressMinBytes int  // 低于该长度的响应不压缩
	Logger           *zap.Logger

	// NewPoller 创建 worker 私有的 reactor，默认 poller.New
	NewPoller func() (poller.Poller, error)
}

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config {
	return Config{
		Backlog:          DefaultBacklog,
		ReusePort:        true,
		MaxRequestBytes:  DefaultMaxRequestBytes,
		CompressMinBytes: DefaultCompressMin,
	}
}

func (c Config) withDefaults() Config {
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.CompressMinBytes <= 0 {
		c.CompressMinBytes = DefaultCompressMin
	}
	if c.Logger == nil {
		c.Logger = zap.L()
	}
	if c.NewPoller == nil {
		c.NewPoller = poller.New
	}
	return c
}
