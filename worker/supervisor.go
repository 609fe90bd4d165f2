package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/task"
)

// UnitFactory creates an execution unit for a task type.
type UnitFactory func(taskName string) (executionUnit, error)

// Supervisor caches one execution unit per queue and reuses it across
// consecutive tasks to amortize startup cost. A timeout or crash
// invalidates the cached unit; the next task gets a fresh one.
type Supervisor struct {
	maxTaskTime time.Duration
	factory     UnitFactory
	log         *zap.SugaredLogger

	mu    sync.Mutex
	units map[string]executionUnit
}

// NewSupervisor creates a supervisor. A nil factory spawns subprocess
// units.
func NewSupervisor(maxTaskTime time.Duration, factory UnitFactory) *Supervisor {
	if maxTaskTime <= 0 {
		maxTaskTime = 30 * time.Minute
	}
	if factory == nil {
		factory = newSubprocessUnit
	}
	return &Supervisor{
		maxTaskTime: maxTaskTime,
		factory:     factory,
		log:         logger.Named("worker.supervisor"),
		units:       make(map[string]executionUnit),
	}
}

// Execute runs one task on the queue's unit. Returns the result data
// and the unit-reported processing time. Execution faults carry their
// category: ErrMaxTaskTime, ErrEndpoint, ErrValidation, or
// ErrInfrastructure.
func (s *Supervisor) Execute(ctx context.Context, queueName, taskName string, taskData any, meta task.Metadata) (any, int64, error) {
	unit, err := s.unitFor(queueName, taskName)
	if err != nil {
		return nil, 0, err
	}

	msg, err := unit.Execute(ctx, unitRequest{
		Type:         msgExecute,
		TaskData:     taskData,
		TaskMetadata: meta,
	}, s.maxTaskTime)
	if err != nil {
		// Timeout, crash, or a torn protocol: the unit cannot be
		// trusted with another task.
		s.invalidate(queueName, unit)
		return nil, 0, err
	}

	if msg.Type == msgError {
		return nil, 0, wrapUnitError(msg)
	}
	return msg.ResultData, msg.ProcessingTimeMillis, nil
}

// Shutdown kills every cached unit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for queue, unit := range s.units {
		unit.Kill()
		delete(s.units, queue)
	}
}

func (s *Supervisor) unitFor(queueName, taskName string) (executionUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if unit, ok := s.units[queueName]; ok && unit.Alive() {
		return unit, nil
	}

	unit, err := s.factory(taskName)
	if err != nil {
		return nil, errors.Wrapf(err, "create execution unit for %s", queueName)
	}
	s.log.Infow("Execution unit created", "queue", queueName, "task", taskName)
	s.units[queueName] = unit
	return unit, nil
}

func (s *Supervisor) invalidate(queueName string, unit executionUnit) {
	unit.Kill()
	s.mu.Lock()
	if s.units[queueName] == unit {
		delete(s.units, queueName)
	}
	s.mu.Unlock()
	s.log.Warnw("Execution unit invalidated", "queue", queueName)
}

func wrapUnitError(msg *unitMessage) error {
	switch msg.Kind {
	case errKindValidation:
		return errors.Wrap(errors.ErrValidation, msg.Message)
	case errKindEndpoint:
		return errors.Wrap(errors.ErrEndpoint, msg.Message)
	default:
		return errors.Wrap(errors.ErrInfrastructure, msg.Message)
	}
}
