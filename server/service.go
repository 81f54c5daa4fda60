package server

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/legamerdc/shio/handler"
	"github.com/legamerdc/shio/protocol"
)

// Service 是 worker 私有的连接适配层：把协议引擎解析出的请求交给共享的 Handler，
// 把结果（包括失败）变成可编码的响应。
// 它是一个小的值类型，Clone 只复制引用，不复制 Handler 的状态。
type Service struct {
	h           handler.Handler
	worker      int
	log         *zap.Logger
	stats       *Stats
	compress    bool
	compressMin int
	maxBody     int64
}

func NewService(h handler.Handler, worker int, stats *Stats, cfg Config) Service {
	cfg = cfg.withDefaults()
	return Service{
		h:           h,
		worker:      worker,
		log:         cfg.Logger,
		stats:       stats,
		compress:    cfg.Compression,
		compressMin: cfg.CompressMinBytes,
		maxBody:     int64(cfg.MaxRequestBytes),
	}
}

// Clone 为一条新连接复制适配层
func (s Service) Clone() Service { return s }

// Call 处理一个请求。永远返回非 nil 响应：handler 的错误与 panic 在这里被转换为
// HTTP 错误响应，不会传播到协议引擎或 worker。
func (s Service) Call(req *http.Request) *handler.Response {
	if s.stats != nil {
		s.stats.requests.Add(1)
	}
	if err := protocol.DecodeRequestBody(req, s.maxBody); err != nil {
		return decodeErrorResponse(err)
	}
	resp, err := s.invoke(req)
	if err != nil {
		if s.stats != nil {
			s.stats.handlerFailures.Add(1)
		}
		s.log.Debug("handler failed",
			zap.Int("worker", s.worker),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		resp = handler.ErrorResponse(err)
	}
	if resp == nil {
		resp = &handler.Response{Status: http.StatusNoContent}
	}
	if s.compress {
		if err := protocol.Compress(req, resp, s.compressMin); err != nil {
			s.log.Warn("compress response", zap.Int("worker", s.worker), zap.Error(err))
		}
	}
	return resp
}

// errPanic 标记 handler panic 被恢复
var errPanic = errors.New("handler panic")

func (s Service) invoke(req *http.Request) (resp *handler.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handler panic recovered",
				zap.Int("worker", s.worker),
				zap.String("path", req.URL.Path),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp, err = nil, fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return s.h.Handle(req)
}

func decodeErrorResponse(err error) *handler.Response {
	switch {
	case errors.Is(err, protocol.ErrBodyTooLarge):
		return handler.ErrorResponse(handler.NewError(http.StatusRequestEntityTooLarge, err))
	case errors.Is(err, protocol.ErrMalformed):
		return handler.ErrorResponse(handler.NewError(http.StatusBadRequest, err))
	}
	return handler.ErrorResponse(err)
}
