package shio

import (
	"github.com/legamerdc/shio/handler"
	"github.com/legamerdc/shio/server"
)

type (
	Handler  = handler.Handler
	Func     = handler.Func
	Response = handler.Response

	// Snapshot 为 Stats 返回的计数器汇总
	Snapshot = server.Snapshot
)
