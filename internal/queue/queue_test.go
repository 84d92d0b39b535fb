package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsermill/browsermill/internal/automation"
)

func item(jobID string, priority int, submitted time.Time) automation.QueueItem {
	return automation.QueueItem{
		JobID:     jobID,
		Priority:  priority,
		Submitted: submitted,
		Attempt:   1,
	}
}

func TestQueue_PriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q := New()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	require.NoError(t, q.Enqueue(ctx, item("low-early", 5, base)))
	require.NoError(t, q.Enqueue(ctx, item("high", 10, base.Add(time.Second))))
	require.NoError(t, q.Enqueue(ctx, item("low-late", 5, base.Add(2*time.Second))))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", first.JobID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low-early", second.JobID)

	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low-late", third.JobID)
}

func TestQueue_DuplicateDedupKey(t *testing.T) {
	t.Parallel()

	q := New()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	a := item("job-a", 5, base)
	a.DedupKey = "crawl-example"
	require.NoError(t, q.Enqueue(ctx, a))

	b := item("job-b", 5, base.Add(time.Second))
	b.DedupKey = "crawl-example"
	err := q.Enqueue(ctx, b)
	require.ErrorIs(t, err, automation.ErrDuplicateJob)

	// The claim survives dequeue: running jobs still block duplicates.
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, q.Enqueue(ctx, b), automation.ErrDuplicateJob)

	// Same job re-enqueues freely (backoff retry path).
	a.Attempt = 2
	require.NoError(t, q.Enqueue(ctx, a))

	// Once forgotten, the key is free again.
	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-a", got.JobID)
	q.Forget("job-a", "crawl-example")
	require.NoError(t, q.Enqueue(ctx, b))
}

func TestQueue_Reserve(t *testing.T) {
	t.Parallel()

	q := New()
	require.NoError(t, q.Reserve("job-a", "key"))
	require.NoError(t, q.Reserve("job-a", "key"))
	require.ErrorIs(t, q.Reserve("job-b", "key"), automation.ErrDuplicateJob)
	q.Forget("job-a", "key")
	require.NoError(t, q.Reserve("job-b", "key"))
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := New()
	ctx := context.Background()

	done := make(chan automation.QueueItem, 1)
	go func() {
		it, err := q.Dequeue(ctx)
		if err == nil {
			done <- it
		}
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, q.Enqueue(ctx, item("late", 1, time.Unix(0, 0))))

	select {
	case it := <-done:
		assert.Equal(t, "late", it.JobID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CancelQueuedRemoves(t *testing.T) {
	t.Parallel()

	q := New()
	ctx := context.Background()

	it := item("job-a", 5, time.Unix(1000, 0))
	it.DedupKey = "key"
	require.NoError(t, q.Enqueue(ctx, it))

	assert.Equal(t, automation.CancelRemoved, q.Cancel("job-a"))
	assert.Zero(t, q.Len())

	// Dedup claim is released along with the removal.
	other := item("job-b", 5, time.Unix(1001, 0))
	other.DedupKey = "key"
	require.NoError(t, q.Enqueue(ctx, other))
}

func TestQueue_CancelRunningFlags(t *testing.T) {
	t.Parallel()

	q := New()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, item("job-a", 5, time.Unix(1000, 0))))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, automation.CancelFlagged, q.Cancel("job-a"))
	assert.True(t, q.Cancelled("job-a"))

	q.Forget("job-a", "")
	assert.False(t, q.Cancelled("job-a"))
}

func TestQueue_CloseUnblocksDequeuers(t *testing.T) {
	t.Parallel()

	q := New()
	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, automation.ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe close")
	}

	require.ErrorIs(t, q.Enqueue(context.Background(), item("x", 1, time.Unix(0, 0))), automation.ErrQueueClosed)
}
