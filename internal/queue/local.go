package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LocalBus delivers events in-process. Publish hands each event to every
// subscribed group on its own goroutine and returns immediately; a failing
// handler is retried once, like a broker redelivery.
type LocalBus struct {
	mu     sync.RWMutex
	groups map[string]*localGroup
	wg     sync.WaitGroup
	log    *zap.Logger
}

type localGroup struct {
	kinds map[Kind]bool
	h     Handler
	ctx   context.Context
}

func NewLocalBus(log *zap.Logger) *LocalBus {
	return &LocalBus{groups: map[string]*localGroup{}, log: log.Named("local-bus")}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for name, g := range b.groups {
		if !g.kinds[ev.Kind] || g.ctx.Err() != nil {
			continue
		}
		b.wg.Add(1)
		go func(name string, g *localGroup) {
			defer b.wg.Done()
			if err := g.h(g.ctx, ev); err != nil {
				if err = g.h(g.ctx, ev); err != nil {
					b.log.Error("handler failed twice, dropping event",
						zap.String("queue", name), zap.String("kind", string(ev.Kind)), zap.Error(err))
				}
			}
		}(name, g)
	}
	return nil
}

// Consume registers the group and blocks until ctx is done.
func (b *LocalBus) Consume(ctx context.Context, queue string, kinds []Kind, h Handler) error {
	b.Subscribe(ctx, queue, kinds, h)
	<-ctx.Done()

	b.mu.Lock()
	delete(b.groups, queue)
	b.mu.Unlock()
	return nil
}

// Subscribe registers a group without blocking. Tests use it with Wait.
func (b *LocalBus) Subscribe(ctx context.Context, queue string, kinds []Kind, h Handler) {
	set := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	b.mu.Lock()
	b.groups[queue] = &localGroup{kinds: set, h: h, ctx: ctx}
	b.mu.Unlock()
}

// Wait blocks until every in-flight delivery has been handled.
func (b *LocalBus) Wait() {
	b.wg.Wait()
}
