package feeder

import (
	"context"
	"sync/atomic"
)

// ProduceFunc builds the item with sequence number seq.
type ProduceFunc[T any] func(ctx context.Context, seq int64) (T, error)

type sequenced[T any] struct {
	seq  int64
	item T
}

// OrderedPool runs several producers concurrently and hands their items to
// the output queue in sequence order, so the consumer sees the same stream
// regardless of the number of workers.
type OrderedPool[T any] struct {
	workers int
	produce ProduceFunc[T]
	out     *Queue[T]

	next    atomic.Int64
	results chan sequenced[T]
	tickets chan struct{}
}

func NewOrderedPool[T any](workers int, out *Queue[T], produce ProduceFunc[T]) *OrderedPool[T] {
	if workers <= 0 {
		workers = 1
	}
	// tickets bound the number of items produced ahead of the consumer
	inflight := 2 * workers
	tickets := make(chan struct{}, inflight)
	for i := 0; i < inflight; i++ {
		tickets <- struct{}{}
	}
	return &OrderedPool[T]{
		workers: workers,
		produce: produce,
		out:     out,
		results: make(chan sequenced[T], workers),
		tickets: tickets,
	}
}

// Register adds the producers and the reorder stage to reg.
func (p *OrderedPool[T]) Register(reg *Registry) {
	for i := 0; i < p.workers; i++ {
		reg.Add(RunnerFunc(p.work))
	}
	reg.Add(RunnerFunc(p.reorder))
}

func (p *OrderedPool[T]) Workers() int {
	return p.workers
}

func (p *OrderedPool[T]) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.tickets:
		}

		seq := p.next.Add(1) - 1
		item, err := p.produce(ctx, seq)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.results <- sequenced[T]{seq: seq, item: item}:
		}
	}
}

func (p *OrderedPool[T]) reorder(ctx context.Context) error {
	pending := make(map[int64]T)
	var nextSeq int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-p.results:
			pending[r.seq] = r.item
		}

		for {
			item, ok := pending[nextSeq]
			if !ok {
				break
			}
			delete(pending, nextSeq)
			if err := p.out.Enqueue(ctx, item); err != nil {
				return err
			}
			nextSeq++
			p.tickets <- struct{}{}
		}
	}
}
