package evaluation

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dtb-go/evaluator/internal/checkpoint"
	"github.com/dtb-go/evaluator/internal/feeder"
	"github.com/dtb-go/evaluator/internal/model"
)

// Session owns the resources of one evaluation: the device, the registry
// the dataset registers its feeders in and the coordinator running them.
type Session struct {
	device   Device
	registry *feeder.Registry
	coord    *feeder.Coordinator

	closeOnce sync.Once
	closeErr  error
}

// sessionCreated is called with every new session; tests use it to inspect
// the feeder lifecycle.
var sessionCreated = func(*Session) {}

func NewSession(ctx context.Context, device Device) *Session {
	s := &Session{
		device:   device,
		registry: feeder.NewRegistry(),
		coord:    feeder.NewCoordinator(ctx),
	}
	sessionCreated(s)
	return s
}

func (s *Session) Device() Device {
	return s.device
}

func (s *Session) Registry() *feeder.Registry {
	return s.registry
}

func (s *Session) Coordinator() *feeder.Coordinator {
	return s.coord
}

// Restore loads the variables of m from the weights file at path.
func (s *Session) Restore(m model.Model, path string) error {
	r, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := m.Restore(r); err != nil {
		return errors.Wrapf(err, "restore %s from %s", m.Name(), path)
	}
	log.WithFields(log.Fields{"model": m.Name(), "checkpoint": path}).Info("Restored checkpoint")
	return nil
}

// StartFeeders starts every runner registered so far.
func (s *Session) StartFeeders() int {
	return s.coord.Start(s.registry)
}

// Close requests a stop, recording err if it is the first reason to stop,
// and joins the feeders. It returns the first recorded error. Only the first
// call has an effect.
func (s *Session) Close(err error) error {
	s.closeOnce.Do(func() {
		s.coord.RequestStop(err)
		s.closeErr = s.coord.Join()
	})
	return s.closeErr
}
