package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
)

// executionUnit is one disposable task executor. The production unit is
// a child process running the unit subcommand; tests substitute fakes.
type executionUnit interface {
	// Execute sends one request and waits for its terminal message.
	// Alive heartbeats reset the task timer; the timer firing kills
	// the unit and fails the call with ErrMaxTaskTime.
	Execute(ctx context.Context, req unitRequest, maxTaskTime time.Duration) (*unitMessage, error)
	Alive() bool
	Kill()
}

// subprocessUnit hosts the endpoint in a child process, so a crashing
// or leaking executor is disposed of without touching the consumer.
type subprocessUnit struct {
	cmd    *exec.Cmd
	stdin  *json.Encoder
	closer interface{ Close() error }
	msgs   chan unitMessage
	dead   atomic.Bool
	killed chan struct{}
	log    *zap.SugaredLogger
}

// newSubprocessUnit spawns a unit child for one task type.
func newSubprocessUnit(taskName string) (executionUnit, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locate own executable")
	}

	cmd := exec.Command(exe, "unit", "--task", taskName)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open unit stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "open unit stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(errors.ErrInfrastructure, "start execution unit: %v", err)
	}

	u := &subprocessUnit{
		cmd:    cmd,
		stdin:  json.NewEncoder(stdin),
		closer: stdin,
		msgs:   make(chan unitMessage),
		killed: make(chan struct{}),
		log:    logger.Named("worker.supervisor." + taskName),
	}

	go func() {
		defer close(u.msgs)
		u.pump(stdout)
		u.dead.Store(true)
		if err := cmd.Wait(); err != nil {
			u.log.Warnw("Execution unit exited", "error", err)
		}
	}()

	return u, nil
}

// pump forwards decoded stdout lines until the pipe closes. A killed
// unit has no receiver left, so its remaining output is dropped rather
// than parking the send forever and leaking the child.
func (u *subprocessUnit) pump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var msg unitMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			u.log.Warnw("Unreadable line from execution unit", "error", err)
			continue
		}
		select {
		case u.msgs <- msg:
		case <-u.killed:
		}
	}
}

func (u *subprocessUnit) Execute(ctx context.Context, req unitRequest, maxTaskTime time.Duration) (*unitMessage, error) {
	if err := u.stdin.Encode(req); err != nil {
		return nil, errors.Wrapf(errors.ErrInfrastructure, "send request to execution unit: %v", err)
	}

	timer := time.NewTimer(maxTaskTime)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-u.msgs:
			if !ok {
				return nil, errors.Wrap(errors.ErrInfrastructure, "execution unit terminated mid-task")
			}
			switch msg.Type {
			case msgAlive:
				// Progress heartbeat restarts the clock.
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(maxTaskTime)
			case msgResult, msgError:
				return &msg, nil
			default:
				u.log.Warnw("Unexpected message from execution unit", "type", msg.Type)
			}
		case <-timer.C:
			u.Kill()
			return nil, errors.Wrapf(errors.ErrMaxTaskTime,
				"no completion within %s", maxTaskTime)
		case <-ctx.Done():
			u.Kill()
			return nil, ctx.Err()
		}
	}
}

func (u *subprocessUnit) Alive() bool {
	return !u.dead.Load()
}

func (u *subprocessUnit) Kill() {
	if u.dead.CompareAndSwap(false, true) {
		close(u.killed)
	}
	u.closer.Close()
	if u.cmd.Process != nil {
		_ = u.cmd.Process.Kill()
	}
}
