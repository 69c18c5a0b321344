package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WelcomeSend/internal/db"
	"WelcomeSend/internal/models"
)

// fakeQueue mirrors the store's SQL contract in memory, including the
// conditional claim.
type fakeQueue struct {
	mu          sync.Mutex
	jobs        map[string]*models.EmailJob
	markSentErr map[string]error
}

func newFakeQueue(jobs ...models.EmailJob) *fakeQueue {
	q := &fakeQueue{jobs: make(map[string]*models.EmailJob)}
	for i := range jobs {
		j := jobs[i]
		q.jobs[j.ID] = &j
	}
	return q
}

func (q *fakeQueue) DueWelcomeJobs(_ context.Context, cutoff time.Time, limit int) ([]models.EmailJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]models.EmailJob, 0)
	for _, j := range q.jobs {
		if j.Status != models.StatusPending {
			continue
		}
		if j.Template != models.TemplateWelcome {
			continue
		}
		if j.CreatedAt.After(cutoff) {
			continue
		}
		due = append(due, *j)
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (q *fakeQueue) ClaimJob(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok || j.Status != models.StatusPending {
		return false, nil
	}
	j.Status = models.StatusSending
	j.Attempts++
	j.LastError = nil
	return true, nil
}

func (q *fakeQueue) MarkSent(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err, ok := q.markSentErr[id]; ok {
		return err
	}
	j, ok := q.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	j.Status = models.StatusSent
	j.SentAt = &at
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return db.ErrNotFound
	}
	msg := db.Truncate(errorMsg, db.MaxErrorLength)
	j.Status = models.StatusFailed
	j.LastError = &msg
	return nil
}

func (q *fakeQueue) get(t *testing.T, id string) models.EmailJob {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	require.True(t, ok, "job %s not found", id)
	return *j
}

func (q *fakeQueue) countStatus(status models.EmailStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, j := range q.jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []string
	failWith map[string]error
}

func (t *fakeTransport) SendWelcome(_ context.Context, to string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err, ok := t.failWith[to]; ok {
		return err
	}
	t.sent = append(t.sent, to)
	return nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

var base = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func welcomeJob(id, email string, age time.Duration) models.EmailJob {
	return models.EmailJob{
		ID:        id,
		Email:     email,
		Template:  models.TemplateWelcome,
		Status:    models.StatusPending,
		CreatedAt: base.Add(-age),
	}
}

func newDispatcher(q Queue, tr Transport) *Dispatcher {
	return &Dispatcher{
		Queue:     q,
		Transport: tr,
		Now:       func() time.Time { return base },
	}
}

func TestRunProcessesDueJobs(t *testing.T) {
	queue := newFakeQueue(
		welcomeJob("a", "a@example.com", 3*time.Hour),
		welcomeJob("b", "b@example.com", 2*time.Hour),
		welcomeJob("c", "c@example.com", time.Hour),
		welcomeJob("fresh", "fresh@example.com", 2*time.Minute),
	)
	transport := &fakeTransport{}

	processed, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 3, transport.sentCount())

	for _, id := range []string{"a", "b", "c"} {
		job := queue.get(t, id)
		assert.Equal(t, models.StatusSent, job.Status)
		require.NotNil(t, job.SentAt)
		assert.Equal(t, 1, job.Attempts)
		assert.Nil(t, job.LastError)
	}

	// The fresh job is inside the grace period and stays untouched.
	fresh := queue.get(t, "fresh")
	assert.Equal(t, models.StatusPending, fresh.Status)
	assert.Equal(t, 0, fresh.Attempts)
}

func TestRunSkipsIneligibleJobs(t *testing.T) {
	sentJob := welcomeJob("done", "done@example.com", 3*time.Hour)
	sentJob.Status = models.StatusSent

	otherTemplate := welcomeJob("reset", "reset@example.com", 3*time.Hour)
	otherTemplate.Template = "PASSWORD_RESET"

	queue := newFakeQueue(
		sentJob,
		otherTemplate,
		welcomeJob("fresh", "fresh@example.com", time.Minute),
	)
	transport := &fakeTransport{}

	processed, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 0, transport.sentCount())
}

func TestRunBoundsBatchSize(t *testing.T) {
	jobs := make([]models.EmailJob, 0, 30)
	for i := 0; i < 30; i++ {
		id := string(rune('a'+i%26)) + string(rune('0'+i/26))
		jobs = append(jobs, welcomeJob(id, id+"@example.com", time.Hour+time.Duration(i)*time.Minute))
	}
	queue := newFakeQueue(jobs...)
	transport := &fakeTransport{}

	processed, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, processed)
	assert.Equal(t, 30-DefaultBatchSize, queue.countStatus(models.StatusPending))
}

func TestRunRecordsFailureAndContinues(t *testing.T) {
	queue := newFakeQueue(
		welcomeJob("bad", "bad@example.com", 2*time.Hour),
		welcomeJob("good", "good@example.com", time.Hour),
	)
	transport := &fakeTransport{
		failWith: map[string]error{"bad@example.com": errors.New("SMTP timeout")},
	}

	processed, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	bad := queue.get(t, "bad")
	assert.Equal(t, models.StatusFailed, bad.Status)
	require.NotNil(t, bad.LastError)
	assert.Equal(t, "SMTP timeout", *bad.LastError)
	assert.Equal(t, 1, bad.Attempts)
	assert.Nil(t, bad.SentAt)

	good := queue.get(t, "good")
	assert.Equal(t, models.StatusSent, good.Status)
	require.NotNil(t, good.SentAt)
}

func TestRunTruncatesLongErrors(t *testing.T) {
	queue := newFakeQueue(welcomeJob("bad", "bad@example.com", time.Hour))
	transport := &fakeTransport{
		failWith: map[string]error{"bad@example.com": errors.New(strings.Repeat("x", 3000))},
	}

	_, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)

	bad := queue.get(t, "bad")
	require.NotNil(t, bad.LastError)
	assert.Len(t, *bad.LastError, db.MaxErrorLength)
}

func TestRunTruncatesMultibyteErrors(t *testing.T) {
	queue := newFakeQueue(welcomeJob("bad", "bad@example.com", time.Hour))
	// The byte limit lands inside a two-byte rune.
	transport := &fakeTransport{
		failWith: map[string]error{
			"bad@example.com": errors.New(strings.Repeat("x", db.MaxErrorLength-1) + strings.Repeat("é", 200)),
		},
	}

	_, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)

	bad := queue.get(t, "bad")
	require.NotNil(t, bad.LastError)
	assert.True(t, utf8.ValidString(*bad.LastError))
	assert.Len(t, *bad.LastError, db.MaxErrorLength-1)
}

func TestRunDoesNotCountUnrecordedDeliveries(t *testing.T) {
	queue := newFakeQueue(
		welcomeJob("lost", "lost@example.com", 2*time.Hour),
		welcomeJob("good", "good@example.com", time.Hour),
	)
	queue.markSentErr = map[string]error{"lost": errors.New("connection reset")}
	transport := &fakeTransport{}

	processed, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)

	// Both emails went out, but only the durably recorded one counts.
	assert.Equal(t, 2, transport.sentCount())
	assert.Equal(t, 1, processed)

	lost := queue.get(t, "lost")
	assert.Equal(t, models.StatusSending, lost.Status)
	assert.Nil(t, lost.SentAt)

	good := queue.get(t, "good")
	assert.Equal(t, models.StatusSent, good.Status)
}

func TestRunLeavesNoJobSending(t *testing.T) {
	queue := newFakeQueue(
		welcomeJob("a", "a@example.com", 2*time.Hour),
		welcomeJob("b", "b@example.com", time.Hour),
	)
	transport := &fakeTransport{
		failWith: map[string]error{"a@example.com": errors.New("connection refused")},
	}

	_, err := newDispatcher(queue, transport).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, queue.countStatus(models.StatusSending))
}

func TestConcurrentCyclesClaimOnce(t *testing.T) {
	queue := newFakeQueue(welcomeJob("solo", "solo@example.com", time.Hour))
	transport := &fakeTransport{}

	const cycles = 8
	results := make([]int, cycles)

	var wg sync.WaitGroup
	for i := 0; i < cycles; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			processed, err := newDispatcher(queue, transport).Run(context.Background())
			assert.NoError(t, err)
			results[i] = processed
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range results {
		total += n
	}
	assert.Equal(t, 1, total, "exactly one cycle must win the claim")
	assert.Equal(t, 1, transport.sentCount())

	job := queue.get(t, "solo")
	assert.Equal(t, models.StatusSent, job.Status)
	assert.Equal(t, 1, job.Attempts)
}
