package taskqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPopDueOrdersByDueAt(t *testing.T) {
	base := time.Unix(1000, 0)
	q := New()
	q.Insert(Task{MessageID: "c", DueAt: base.Add(3 * time.Second)})
	q.Insert(Task{MessageID: "a", DueAt: base.Add(1 * time.Second)})
	q.Insert(Task{MessageID: "b", DueAt: base.Add(2 * time.Second)})

	due := q.PopDue(base.Add(2 * time.Second))
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].MessageID)
	assert.Equal(t, "b", due[1].MessageID)
	assert.Equal(t, 1, q.Len())
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New()
	q.Insert(Task{MessageID: "only", DueAt: time.Unix(1, 0)})
	top, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, "only", top.MessageID)
	assert.Equal(t, 1, q.Len())
}

func TestPeekEmpty(t *testing.T) {
	q := New()
	_, ok := q.Peek()
	assert.False(t, ok)
}
