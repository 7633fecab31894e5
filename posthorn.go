// Package posthorn is an embeddable outbound email delivery engine: hand
// it a Message, and a single background worker resolves MX records (or
// talks to a configured relay), attempts SMTP delivery, and retries with
// exponential backoff until the message is delivered or permanently
// fails.
package posthorn

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"

	"github.com/posthorn/posthorn/internal/engine"
	"github.com/posthorn/posthorn/internal/model"
)

// tracer reports spans through whatever global TracerProvider the
// embedding host configured; posthorn ships no SDK or exporter of its
// own.
var tracer = otel.Tracer("github.com/posthorn/posthorn")

// Engine owns the worker goroutine and the Storage it was constructed
// with. All exported methods are safe to call from any goroutine.
type Engine struct {
	storage model.Storage
	mu      sync.RWMutex
	status  atomic.Uint32

	ctrl chan engine.ControlMessage
	done chan struct{}

	cfg model.Config
}

// New constructs an Engine against storage and spawns its worker
// goroutine, paused. Call Start to begin processing.
func New(cfg Config, storage Storage) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		storage: storage,
		ctrl:    make(chan engine.ControlMessage, 16),
		done:    make(chan struct{}),
		cfg:     cfg,
	}

	w, err := engine.New(e.ctrl, e.storage, &e.mu, &e.status, cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(e.done)
		w.Run()
	}()

	return e, nil
}

// Start releases the worker from its initial paused state.
func (e *Engine) Start() {
	e.ctrl <- engine.StartMessage{}
}

// Die asks the worker to terminate and blocks until it has.
func (e *Engine) Die() {
	e.ctrl <- engine.TerminateMessage{}
	<-e.done
}

// WorkerStatus reports the worker's last observed status. A non-OK status
// means the worker goroutine has exited.
func (e *Engine) WorkerStatus() WorkerStatus {
	return model.WorkerStatusFromByte(uint8(e.status.Load()))
}

// SendEmail prepares msg for delivery, persists it, and schedules it for
// immediate delivery. It returns the assigned Message-Id.
func (e *Engine) SendEmail(msg Message) (string, error) {
	_, span := tracer.Start(context.Background(), "posthorn.send_email")
	defer span.End()

	prepared, status, err := engine.PrepareEmail(msg, e.cfg.HeloName)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	err = e.storage.Store(prepared, status)
	e.mu.Unlock()
	if err != nil {
		return "", model.NewError(model.ErrKindStorage, "storing prepared message", err)
	}

	e.ctrl <- engine.SendEmailMessage{MessageID: status.MessageID}
	return status.MessageID, nil
}

// QueryStatus returns the public delivery status of a previously sent
// message.
func (e *Engine) QueryStatus(messageID string) (MessageStatus, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	internal, err := e.storage.RetrieveStatus(messageID)
	if err != nil {
		return MessageStatus{}, err
	}
	return internal.Public(), nil
}

// QueryRecent returns the public status of every incomplete message, plus
// every completed message not yet reported by a prior call.
func (e *Engine) QueryRecent() ([]MessageStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	internal, err := e.storage.RetrieveAllRecent()
	if err != nil {
		return nil, err
	}
	out := make([]MessageStatus, len(internal))
	for i, is := range internal {
		out[i] = is.Public()
	}
	return out, nil
}
