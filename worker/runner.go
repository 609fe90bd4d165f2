package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/spec"
)

// aliveInterval is how often a busy unit heartbeats so the parent's
// task timer knows it is still alive.
var aliveInterval = 30 * time.Second

// maxLineBytes bounds one protocol line. Task data is article-sized,
// not blob-sized.
const maxLineBytes = 16 * 1024 * 1024

// RunUnit is the child side of an execution unit: it serves execute
// requests from in, one at a time, until in closes. Invoked by the
// hidden unit subcommand.
func RunUnit(ctx context.Context, taskName string, in io.Reader, out io.Writer, cfg config.EndpointConfig) error {
	taskSpec, err := spec.Get(taskName)
	if err != nil {
		return errors.Wrapf(errors.ErrUnrecoverable, "unit for unknown task %q", taskName)
	}
	endpoint, err := NewEndpoint(taskSpec.Worker.Endpoint, cfg)
	if err != nil {
		return err
	}

	log := logger.Named("worker.unit." + taskName)
	writer := &lineWriter{enc: json.NewEncoder(out)}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req unitRequest
		if err := json.Unmarshal(line, &req); err != nil {
			writer.write(unitMessage{Type: msgError, Kind: errKindInfrastructure,
				Message: "malformed request line: " + err.Error()})
			continue
		}
		if req.Type != msgExecute {
			writer.write(unitMessage{Type: msgError, Kind: errKindInfrastructure,
				Message: "unexpected request type " + req.Type})
			continue
		}

		serve(ctx, taskSpec, endpoint, req, writer, log)
	}
	return scanner.Err()
}

// serve runs one request, heartbeating while the endpoint call is in
// flight, and writes the terminal result or error line.
func serve(ctx context.Context, taskSpec *spec.TaskSpec, endpoint Endpoint, req unitRequest, writer *lineWriter, log *zap.SugaredLogger) {
	if input := taskSpec.Worker.CompiledInputSchema(); input != nil {
		if err := input.Validate(req.TaskData); err != nil {
			writer.write(unitMessage{Type: msgError, Kind: errKindValidation,
				Message: "task data failed input schema: " + err.Error()})
			return
		}
	}

	stopAlive := make(chan struct{})
	var aliveDone sync.WaitGroup
	aliveDone.Add(1)
	go func() {
		defer aliveDone.Done()
		ticker := time.NewTicker(aliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopAlive:
				return
			case <-ticker.C:
				writer.write(unitMessage{Type: msgAlive})
			}
		}
	}()

	started := time.Now()
	result, err := endpoint.Call(ctx, req.TaskData, req.TaskMetadata)
	close(stopAlive)
	aliveDone.Wait()

	if err != nil {
		log.Warnw("Endpoint call failed", "item_id", req.TaskMetadata.ItemID,
			"field", req.TaskMetadata.ResultFieldName, "error", err)
		writer.write(unitMessage{Type: msgError, Kind: errKindEndpoint, Message: err.Error()})
		return
	}
	writer.write(unitMessage{
		Type:                 msgResult,
		ResultData:           result,
		ProcessingTimeMillis: time.Since(started).Milliseconds(),
	})
}

type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(msg unitMessage) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(msg)
}
