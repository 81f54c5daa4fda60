//go:build !linux && !darwin

package server

import (
	"context"
	"net/netip"

	"github.com/legamerdc/shio/handler"
)

type Worker struct {
	id    int
	stats *Stats
}

func NewWorker(id int, addrs []netip.AddrPort, h handler.Handler, cfg Config) *Worker {
	return &Worker{id: id, stats: new(Stats)}
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) Stats() *Stats { return w.stats }

func (w *Worker) Run(ctx context.Context) error {
	return &SchedulerInitError{Worker: w.id, Err: ErrPlatformNotSupported}
}
