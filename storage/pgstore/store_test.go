package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posthorn/posthorn/internal/model"
)

// newTestStore connects to a real Postgres instance named by the
// POSTHORN_TEST_PG_DSN environment variable and truncates the table
// between tests. It skips the test entirely when that variable is unset,
// since this package intentionally carries no mock pool and no
// Docker-in-CI dependency of its own.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTHORN_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("POSTHORN_TEST_PG_DSN not set, skipping pgstore integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, Schema)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE posthorn_messages`)
	require.NoError(t, err)

	return New(pool)
}

func TestStoreAndRetrieve(t *testing.T) {
	s := newTestStore(t)
	email := model.PreparedEmail{From: "a@ex.test", To: []string{"b@ex.test"}, MessageID: "m1@ex.test"}
	status := model.InternalMessageStatus{MessageID: "m1@ex.test", AttemptsRemaining: 3}

	require.NoError(t, s.Store(email, status))

	gotEmail, gotStatus, err := s.Retrieve("m1@ex.test")
	require.NoError(t, err)
	assert.Equal(t, email, gotEmail)
	assert.Equal(t, status, gotStatus)
}

func TestRetrieveUnknown(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Retrieve("nope@ex.test")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestUpdateStatusRequiresExisting(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateStatus(model.InternalMessageStatus{MessageID: "nope@ex.test"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRetrieveAllIncompleteExcludesCompleted(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(model.PreparedEmail{MessageID: "m1@ex.test"}, model.InternalMessageStatus{MessageID: "m1@ex.test", AttemptsRemaining: 2}))
	require.NoError(t, s.Store(model.PreparedEmail{MessageID: "m2@ex.test"}, model.InternalMessageStatus{MessageID: "m2@ex.test", AttemptsRemaining: 0}))

	incomplete, err := s.RetrieveAllIncomplete()
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "m1@ex.test", incomplete[0].MessageID)
}

func TestRetrieveAllRecentReportsCompletedOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Store(model.PreparedEmail{MessageID: "done@ex.test"}, model.InternalMessageStatus{MessageID: "done@ex.test", AttemptsRemaining: 0}))
	require.NoError(t, s.Store(model.PreparedEmail{MessageID: "pending@ex.test"}, model.InternalMessageStatus{MessageID: "pending@ex.test", AttemptsRemaining: 2}))

	first, err := s.RetrieveAllRecent()
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := s.RetrieveAllRecent()
	require.NoError(t, err)
	require.Len(t, second, 1, "the completed message must not be reported twice")
	assert.Equal(t, "pending@ex.test", second[0].MessageID)
}
