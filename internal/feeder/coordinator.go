package feeder

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a Coordinator.
type State int32

const (
	Idle State = iota
	ThreadsStarted
	Running
	StopRequested
	Joined
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ThreadsStarted:
		return "threads-started"
	case Running:
		return "running"
	case StopRequested:
		return "stop-requested"
	case Joined:
		return "joined"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Coordinator starts the runners of a Registry, carries the stop signal to
// them and joins them. The first error handed to RequestStop is the one Join
// returns.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	stopped bool
	err     error
	group   *errgroup.Group
	started int
	joins   int
}

func NewCoordinator(parent context.Context) *Coordinator {
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{ctx: ctx, cancel: cancel}
}

// Start launches one goroutine per registered runner and returns how many
// were started. Only the first call has an effect.
func (c *Coordinator) Start(reg *Registry) int {
	runners := reg.Runners()

	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return 0
	}
	c.group = &errgroup.Group{}
	c.state = ThreadsStarted
	c.started = len(runners)
	c.mu.Unlock()

	log.WithFields(log.Fields{"feeders": len(runners)}).Debug("Starting feeders")

	for _, r := range runners {
		r := r
		c.group.Go(func() error {
			return c.run(r)
		})
	}

	c.mu.Lock()
	if c.state == ThreadsStarted {
		c.state = Running
	}
	c.mu.Unlock()

	return len(runners)
}

func (c *Coordinator) run(r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("feeder panic: %v", p)
			c.RequestStop(err)
		}
	}()

	err = r.Run(c.ctx)
	if err == nil {
		return nil
	}
	// errors caused by our own stop signal are not failures
	if c.ctx.Err() != nil {
		return nil
	}
	c.RequestStop(err)
	return err
}

// RequestStop asks every runner to stop. It is idempotent; err is recorded
// only when this call is the one that triggers the stop.
func (c *Coordinator) RequestStop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		if err != nil {
			log.WithError(err).Debug("Ignoring error reported after stop request")
		}
		return
	}
	c.stopped = true
	c.err = err
	if c.state < StopRequested {
		c.state = StopRequested
	}
	c.cancel()
}

// ShouldStop reports whether a stop has been requested.
func (c *Coordinator) ShouldStop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Context is cancelled once a stop is requested.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Err returns the error recorded by the stop request, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Started returns the number of runners launched by Start.
func (c *Coordinator) Started() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Joins returns how many times the started runners have been joined.
func (c *Coordinator) Joins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joins
}

// Join blocks until every started runner has returned. Callers request a
// stop first. Subsequent calls return the same error without waiting.
func (c *Coordinator) Join() error {
	c.mu.Lock()
	if c.group == nil || c.state == Joined {
		err := c.err
		c.mu.Unlock()
		return err
	}
	group := c.group
	c.mu.Unlock()

	if err := group.Wait(); err != nil {
		c.RequestStop(err)
	}

	c.mu.Lock()
	c.state = Joined
	c.joins++
	err := c.err
	c.mu.Unlock()

	c.cancel()

	log.WithFields(log.Fields{"feeders": c.Started()}).Debug("Joined feeders")
	return err
}
