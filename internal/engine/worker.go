// Package engine implements the single background worker goroutine that
// drives outbound delivery: a control channel, a time-ordered retry queue,
// MX resolution, and SMTP delivery, following the reference worker's
// control flow almost line for line.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/posthorn/posthorn/internal/model"
	"github.com/posthorn/posthorn/internal/mxresolve"
	"github.com/posthorn/posthorn/internal/obslog"
	"github.com/posthorn/posthorn/internal/smtpdeliver"
	"github.com/posthorn/posthorn/internal/taskqueue"
)

var tracer = otel.Tracer("github.com/posthorn/posthorn/internal/engine")

// LoopDelay bounds how long the worker ever blocks without a due task or
// an incoming control message.
const LoopDelay = 10 * time.Second

// ControlMessage is sent over the worker's control channel.
type ControlMessage interface{ isControlMessage() }

type StartMessage struct{}
type SendEmailMessage struct{ MessageID string }
type TerminateMessage struct{}

func (StartMessage) isControlMessage()      {}
func (SendEmailMessage) isControlMessage()  {}
func (TerminateMessage) isControlMessage()  {}

// Worker owns the single delivery goroutine. All fields it touches after
// construction must only be touched by that goroutine except storage,
// which is always accessed through mu, and status, which is atomic.
type Worker struct {
	ch     <-chan ControlMessage
	storage model.Storage
	mu      *sync.RWMutex
	status  *atomic.Uint32
	cfg     model.Config

	tasks  *taskqueue.Queue
	paused bool

	resolver  *mxresolve.Resolver // nil in Relay mode
	deliverer *smtpdeliver.Deliverer

	logger  *slog.Logger
	metrics model.MetricsRecorder
}

// New constructs a Worker and loads any incomplete messages from storage
// into the retry queue, exactly as the reference worker does on startup.
// It does not start the goroutine; call Run for that.
func New(
	ch <-chan ControlMessage,
	storage model.Storage,
	mu *sync.RWMutex,
	status *atomic.Uint32,
	cfg model.Config,
) (*Worker, error) {
	w := &Worker{
		ch:      ch,
		storage: storage,
		mu:      mu,
		status:  status,
		cfg:     cfg,
		tasks:   taskqueue.New(),
		paused:  true,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}

	if cfg.Delivery.Remote != nil {
		resolver, err := mxresolve.New(cfg.Delivery.Remote.Resolver, time.Duration(cfg.SMTPTimeoutSecs)*time.Second)
		if err != nil {
			return nil, err
		}
		w.resolver = resolver
	}
	w.deliverer = smtpdeliver.New(cfg.HeloName, time.Duration(cfg.SMTPTimeoutSecs)*time.Second, cfg.Logger, cfg.Metrics)

	w.mu.Lock()
	incomplete, err := w.storage.RetrieveAllIncomplete()
	w.mu.Unlock()
	if err != nil {
		w.setStatus(model.WorkerStorageReadFailed)
		return w, nil
	}
	now := time.Now()
	for _, is := range incomplete {
		w.tasks.Insert(taskqueue.Task{Type: taskqueue.Resend, DueAt: now, MessageID: is.MessageID})
	}
	return w, nil
}

func (w *Worker) setStatus(s model.WorkerStatus) {
	w.status.Store(uint32(s))
}

// Run drives the worker loop until a fatal status is reached or Terminate
// is received. It is meant to run in its own goroutine for the lifetime of
// the Engine.
func (w *Worker) Run() {
	if model.WorkerStatus(w.status.Load()).Fatal() {
		return
	}
	for {
		timeout := w.nextTimeout()

		select {
		case msg, ok := <-w.ch:
			if !ok {
				w.setStatus(model.WorkerChannelDisconnected)
				w.logger.Info("worker channel disconnected, terminating")
				return
			}
			switch m := msg.(type) {
			case StartMessage:
				w.paused = false
			case SendEmailMessage:
				w.tasks.Insert(taskqueue.Task{Type: taskqueue.Resend, DueAt: time.Now(), MessageID: m.MessageID})
			case TerminateMessage:
				w.setStatus(model.WorkerTerminated)
				w.logger.Info("worker terminated")
				return
			}
		case <-time.After(timeout):
		}

		if w.paused {
			continue
		}

		now := time.Now()
		for _, task := range w.tasks.PopDue(now) {
			status := w.handleTask(task)
			if status.Fatal() {
				w.setStatus(status)
				w.logger.Error("worker failed and terminated", "status", status)
				return
			}
		}
		w.metrics.QueueDepth(w.tasks.Len())
	}
}

func (w *Worker) nextTimeout() time.Duration {
	if w.paused {
		return LoopDelay
	}
	top, ok := w.tasks.Peek()
	if !ok {
		return LoopDelay
	}
	d := time.Until(top.DueAt)
	if d < 0 {
		return 0
	}
	return d
}

func (w *Worker) handleTask(task taskqueue.Task) model.WorkerStatus {
	ctx := obslog.WithMessageID(context.Background(), task.MessageID)

	w.mu.RLock()
	email, status, err := w.storage.Retrieve(task.MessageID)
	w.mu.RUnlock()
	if err != nil {
		w.logger.WarnContext(ctx, "unable to retrieve task, skipping", "error", err)
		return model.WorkerOK
	}
	return w.sendEmail(ctx, email, status)
}

func (w *Worker) sendEmail(ctx context.Context, email model.PreparedEmail, status model.InternalMessageStatus) model.WorkerStatus {
	w.metrics.WorkerLoop()

	if w.cfg.Delivery.Remote != nil && needsMX(status) {
		if err := resolveMX(&status, w.resolver); err != nil {
			w.logger.ErrorContext(ctx, "MX resolution failed", "error", err)
			return model.WorkerResolverCreationFailed
		}
		if ws := w.updateStatus(ctx, status); ws.Fatal() {
			return ws
		}
	}

	if status.AttemptsRemaining == 0 {
		failExhaustedAttempts(&status)
	}

	complete := w.deliverToAllServers(ctx, email, &status)
	if complete {
		status.AttemptsRemaining = 0
	} else if status.AttemptsRemaining > 0 {
		status.AttemptsRemaining--
	}
	if status.AttemptsRemaining == 0 {
		failExhaustedAttempts(&status)
	}

	for _, r := range status.Recipients {
		w.metrics.RecipientResult(r.Result.State)
	}

	if ws := w.updateStatus(ctx, status); ws.Fatal() {
		return ws
	}

	if status.AttemptsRemaining > 0 {
		attempt := 3 - status.AttemptsRemaining
		delay := time.Duration(w.cfg.BaseResendDelaySecs) * time.Second * time.Duration(pow3(attempt))
		w.tasks.Insert(taskqueue.Task{
			Type:      taskqueue.Resend,
			DueAt:     time.Now().Add(delay),
			MessageID: status.MessageID,
		})
	}

	return model.WorkerOK
}

func pow3(exp uint8) int64 {
	result := int64(1)
	for i := uint8(0); i < exp; i++ {
		result *= 3
	}
	return result
}

func (w *Worker) updateStatus(ctx context.Context, status model.InternalMessageStatus) model.WorkerStatus {
	w.mu.Lock()
	err := w.storage.UpdateStatus(status)
	w.mu.Unlock()
	if err != nil {
		w.logger.ErrorContext(ctx, "storage update failed", "error", err)
		return model.WorkerStorageWriteFailed
	}
	return model.WorkerOK
}

// deliverToAllServers plans and runs every still-needed SMTP session for
// status, mutating its recipients' results in place. It returns true only
// if every recipient reached a terminal state this pass.
func (w *Worker) deliverToAllServers(ctx context.Context, email model.PreparedEmail, status *model.InternalMessageStatus) bool {
	deliveries := planMXDeliverySessions(status, w.cfg)

	complete := true
	for _, d := range deliveries {
		if !w.deliverToOneServer(ctx, email, status, d) {
			complete = false
		}
	}
	return complete
}

// deliverToOneServer runs one SMTP session against d.server for the
// recipients in d.recipients that have not already completed, merging
// results back onto status. It returns true if no recipient in this
// session was left Deferred.
func (w *Worker) deliverToOneServer(ctx context.Context, email model.PreparedEmail, status *model.InternalMessageStatus, d mxDelivery) bool {
	var to []string
	idxByAddr := make(map[string]int, len(d.recipients))
	for _, idx := range d.recipients {
		r := status.Recipients[idx]
		if r.Result.Completed() {
			continue
		}
		to = append(to, r.SMTPEmailAddr)
		idxByAddr[r.SMTPEmailAddr] = idx
	}
	if len(to) == 0 {
		return true
	}

	ctx, span := tracer.Start(ctx, "posthorn.deliver_mx", trace.WithAttributes(
		attribute.String("server", d.server),
		attribute.Int("recipients", len(to)),
	))
	defer span.End()

	security, auth, port := w.sessionParams()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.SMTPTimeoutSecs)*time.Second)
	defer cancel()

	session := model.PreparedEmail{
		From:      email.From,
		To:        to,
		MessageID: email.MessageID,
		Message:   email.Message,
	}
	results := w.deliverer.Deliver(ctx, session, to, d.server, port, security, auth)

	deferredSome := false
	for addr, idx := range idxByAddr {
		newResult, ok := results[addr]
		if !ok {
			continue
		}
		if newResult.State == model.StateDeferred {
			deferredSome = true
			prev := status.Recipients[idx].Result
			if prev.State == model.StateDeferred {
				newResult = model.Deferred(prev.Attempts+1, newResult.Reason)
			}
		}
		status.Recipients[idx].Result = newResult
	}
	return !deferredSome
}

func (w *Worker) sessionParams() (security smtpdeliver.ClientSecurity, auth *model.RelayAuth, port int) {
	if relay := w.cfg.Delivery.Relay; relay != nil {
		sec := smtpdeliver.SecurityNone
		switch {
		case relay.RequireTLS:
			sec = smtpdeliver.SecurityRequired
		case relay.UseTLS:
			sec = smtpdeliver.SecurityOpportunistic
		}
		return sec, relay.Auth, relay.Port
	}
	if w.cfg.RequireTLS {
		return smtpdeliver.SecurityRequired, nil, 25
	}
	return smtpdeliver.SecurityOpportunistic, nil, 25
}
