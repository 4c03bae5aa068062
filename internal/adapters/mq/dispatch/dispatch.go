// Package dispatch drains the ingest queue into the session manager.
package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/pitwall/racepulse/internal/adapters/mq/queue"
	"github.com/pitwall/racepulse/internal/domain/session"
	"github.com/pitwall/racepulse/pkg/logger"
)

// Router is the slice of the session manager the dispatcher needs.
type Router interface {
	Route(ctx context.Context, e queue.Event) error
}

// Dequeuer is how the dispatcher receives events.
type Dequeuer interface {
	Dequeue(ctx context.Context) <-chan queue.Event
}

// Pool runs a fixed set of goroutines routing queued events to sessions.
// Routing is cheap (a registry lookup plus a channel send), so the pool
// mainly exists to keep one stuck session from idling the whole queue.
type Pool struct {
	size   int
	queue  Dequeuer
	router Router

	wg     sync.WaitGroup
	logger logger.Logger
}

// NewPool creates a dispatcher pool of the given size.
func NewPool(size int, q Dequeuer, r Router) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:   size,
		queue:  q,
		router: r,
		logger: logger.Get().Named("dispatch"),
	}
}

// Start launches the pool. It drains until ctx is cancelled or the queue
// closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, "dispatch-"+strconv.Itoa(i))
	}
}

// Wait blocks until every dispatcher goroutine has stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, name string) {
	defer p.wg.Done()
	log := p.logger.Named(name)

	events := p.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := p.router.Route(ctx, e); err != nil {
				switch {
				case errors.Is(err, session.ErrUnknownSession):
					// Parked under the grace policy; the manager logs the
					// drop if the session never shows up.
					log.Debug(ctx, "event parked for unknown session",
						logger.String("session", e.SessionID),
						logger.Uint64("seq", e.Seq),
					)
				case errors.Is(err, session.ErrSessionClosed):
					log.Debug(ctx, "event for closed session dropped",
						logger.String("session", e.SessionID),
						logger.Uint64("seq", e.Seq),
					)
				default:
					log.Error(ctx, "routing failed",
						logger.String("session", e.SessionID),
						logger.Uint64("seq", e.Seq),
						logger.Error(err),
					)
				}
			}
		}
	}
}
