package engine

import (
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posthorn/posthorn/internal/memstorage"
	"github.com/posthorn/posthorn/internal/model"
	"github.com/posthorn/posthorn/internal/taskqueue"
)

func taskFor(messageID string) taskqueue.Task {
	return taskqueue.Task{Type: taskqueue.Resend, DueAt: time.Now(), MessageID: messageID}
}

// deferThenAcceptBackend defers every RCPT to the given address on its
// first attempt and accepts it afterwards, letting a single test exercise
// the worker's transient-failure retry path against a real SMTP session.
type deferThenAcceptBackend struct {
	mu       sync.Mutex
	deferred map[string]bool
}

func (b *deferThenAcceptBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &deferThenAcceptSession{backend: b}, nil
}

type deferThenAcceptSession struct {
	backend *deferThenAcceptBackend
}

func (s *deferThenAcceptSession) Mail(from string, opts *gosmtp.MailOptions) error { return nil }
func (s *deferThenAcceptSession) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if !s.backend.deferred[to] {
		s.backend.deferred[to] = true
		return &gosmtp.SMTPError{Code: 450, Message: "try again later"}
	}
	return nil
}
func (s *deferThenAcceptSession) Data(r io.Reader) error {
	_, err := io.ReadAll(r)
	return err
}
func (s *deferThenAcceptSession) Reset()        {}
func (s *deferThenAcceptSession) Logout() error { return nil }

func startRelayFake(t *testing.T, backend gosmtp.Backend) (host string, port int, shutdown func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := gosmtp.NewServer(backend)
	srv.Domain = "relay.test"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	srv.AllowInsecureAuth = true

	go func() { _ = srv.Serve(ln) }()

	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(p)
	require.NoError(t, err)
	return h, portNum, func() { _ = srv.Close() }
}

func newRelayWorker(t *testing.T, storage model.Storage, host string, port int) *Worker {
	t.Helper()
	cfg := model.Config{
		HeloName:            "sender.helo.test",
		SMTPTimeoutSecs:     5,
		BaseResendDelaySecs: 1,
		Delivery: model.DeliveryConfig{
			Relay: &model.RelayConfig{Host: host, Port: port},
		},
	}.WithDefaults()

	var mu sync.RWMutex
	var status atomic.Uint32
	ch := make(chan ControlMessage)
	w, err := New(ch, storage, &mu, &status, cfg)
	require.NoError(t, err)
	return w
}

func storeMessage(t *testing.T, storage model.Storage, id string, recipients ...string) {
	t.Helper()
	rs := make([]model.InternalRecipientStatus, len(recipients))
	for i, addr := range recipients {
		rs[i] = model.InternalRecipientStatus{SMTPEmailAddr: addr, Domain: "ex.test", Result: model.Queued()}
	}
	email := model.PreparedEmail{
		From:      "from@ex.test",
		To:        recipients,
		MessageID: id,
		Message:   []byte("Subject: hi\r\n\r\nbody\r\n"),
	}
	status := model.InternalMessageStatus{MessageID: id, Recipients: rs, AttemptsRemaining: 3}
	require.NoError(t, storage.Store(email, status))
}

func TestWorkerRelayHappyPathDeliversAllRecipients(t *testing.T) {
	host, port, shutdown := startRelayFake(t, &fakeAcceptAllBackend{})
	defer shutdown()

	storage := memstorage.New()
	w := newRelayWorker(t, storage, host, port)
	storeMessage(t, storage, "m1", "a@ex.test", "b@ex.test")

	ws := w.handleTask(taskFor("m1"))
	require.False(t, ws.Fatal())

	_, status, err := storage.Retrieve("m1")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), status.AttemptsRemaining)
	for _, r := range status.Recipients {
		assert.Equal(t, model.StateDelivered, r.Result.State)
	}
}

func TestWorkerTransientFailureSchedulesBackoffThenSucceeds(t *testing.T) {
	backend := &deferThenAcceptBackend{deferred: make(map[string]bool)}
	host, port, shutdown := startRelayFake(t, backend)
	defer shutdown()

	storage := memstorage.New()
	w := newRelayWorker(t, storage, host, port)
	storeMessage(t, storage, "m1", "a@ex.test")

	ws := w.handleTask(taskFor("m1"))
	require.False(t, ws.Fatal())

	_, status, err := storage.Retrieve("m1")
	require.NoError(t, err)
	require.Equal(t, uint8(2), status.AttemptsRemaining)
	assert.Equal(t, model.StateDeferred, status.Recipients[0].Result.State)

	top, ok := w.tasks.Peek()
	require.True(t, ok)
	wantDelay := time.Duration(w.cfg.BaseResendDelaySecs) * time.Second * 3 // attempt 1: base*3^1
	assert.WithinDuration(t, time.Now().Add(wantDelay), top.DueAt, 2*time.Second)

	ws = w.handleTask(taskFor("m1"))
	require.False(t, ws.Fatal())

	_, status, err = storage.Retrieve("m1")
	require.NoError(t, err)
	assert.Equal(t, uint8(0), status.AttemptsRemaining)
	assert.Equal(t, model.StateDelivered, status.Recipients[0].Result.State)
}

func TestWorkerExhaustedAttemptsFailsDeferredRecipientsWithoutDialing(t *testing.T) {
	storage := memstorage.New()
	email := model.PreparedEmail{From: "from@ex.test", To: []string{"a@ex.test"}, MessageID: "m1"}
	status := model.InternalMessageStatus{
		MessageID:         "m1",
		AttemptsRemaining: 0,
		Recipients: []model.InternalRecipientStatus{
			{SMTPEmailAddr: "a@ex.test", Domain: "ex.test", Result: model.Deferred(3, "timed out")},
		},
	}
	require.NoError(t, storage.Store(email, status))

	// Nothing listens on this port; the recipient is rewritten to Failed
	// before delivery planning, so no session should ever dial out here.
	w := newRelayWorker(t, storage, "127.0.0.1", 1)
	ws := w.handleTask(taskFor("m1"))
	require.False(t, ws.Fatal())

	_, got, err := storage.Retrieve("m1")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, got.Recipients[0].Result.State)
	assert.Contains(t, got.Recipients[0].Result.Reason, "Too many attempts")
}

type fakeAcceptAllBackend struct{}

func (fakeAcceptAllBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return fakeAcceptAllSession{}, nil
}

type fakeAcceptAllSession struct{}

func (fakeAcceptAllSession) Mail(from string, opts *gosmtp.MailOptions) error { return nil }
func (fakeAcceptAllSession) Rcpt(to string, opts *gosmtp.RcptOptions) error   { return nil }
func (fakeAcceptAllSession) Data(r io.Reader) error {
	_, err := io.ReadAll(r)
	return err
}
func (fakeAcceptAllSession) Reset()        {}
func (fakeAcceptAllSession) Logout() error { return nil }
