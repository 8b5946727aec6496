package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/jobrelay/internal/interfaces"
	"github.com/ternarybob/jobrelay/internal/models"
)

func TestLifecycle_ForwardOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := newJob(t, h, groupOne)
	lifecycle := h.service.Lifecycle()

	record, err := lifecycle.BeginPublish(ctx, job, groupOne)
	require.NoError(t, err)
	assert.Equal(t, models.PublishStatusPosting, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.True(t, len(record.ID) > 4 && record.ID[:4] == "pub_")

	failed, err := lifecycle.CompletePublish(ctx, record.ID, nil, errors.New("selector not found"))
	require.NoError(t, err)
	assert.Equal(t, models.PublishStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)

	// completing twice is rejected: the attempt is already closed
	_, err = lifecycle.CompletePublish(ctx, record.ID, &models.PublishOutcome{Locator: groupOne}, nil)
	assert.Error(t, err)

	reopened, err := lifecycle.BeginPublish(ctx, job, groupOne)
	require.NoError(t, err)
	assert.Equal(t, record.ID, reopened.ID)
	assert.Equal(t, 2, reopened.Attempts)
	assert.Empty(t, reopened.Error)

	done, err := lifecycle.CompletePublish(ctx, record.ID, &models.PublishOutcome{Locator: groupOne + "/posts/1", Verification: models.VerificationOptimistic}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PublishStatusSuccess, done.Status)
	assert.Equal(t, "optimistic", done.Verified)

	_, err = lifecycle.BeginPublish(ctx, job, groupOne)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyPublished)
}

func TestLifecycle_LivePostingIsNotHandedOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := newJob(t, h, groupOne)
	lifecycle := h.service.Lifecycle()

	record, err := lifecycle.BeginPublish(ctx, job, groupOne)
	require.NoError(t, err)

	again, err := lifecycle.BeginPublish(ctx, job, groupOne)
	assert.ErrorIs(t, err, interfaces.ErrPublishInProgress)
	assert.Nil(t, again)

	stored, err := h.store.PublishRecordStorage().GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PublishStatusPosting, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
}

func TestLifecycle_ConcurrentBeginsGrantOneRunner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := newJob(t, h, groupTwo)
	lifecycle := h.service.Lifecycle()

	const runners = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
		refused int
	)
	for range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := lifecycle.BeginPublish(ctx, job, groupTwo)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, interfaces.ErrPublishInProgress)
				refused++
				return
			}
			granted = append(granted, record.ID)
		}()
	}
	wg.Wait()

	assert.Len(t, granted, 1)
	assert.Equal(t, runners-1, refused)
}

func TestLifecycle_StalePostingCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := newJob(t, h, groupOne)
	lifecycle := h.service.Lifecycle()

	record, err := lifecycle.BeginPublish(ctx, job, groupOne)
	require.NoError(t, err)

	lifecycle.now = func() time.Time { return time.Now().Add(defaultStaleAfter + time.Minute) }

	again, err := lifecycle.BeginPublish(ctx, job, groupOne)
	require.NoError(t, err)
	assert.Equal(t, record.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, models.PublishStatusPosting, again.Status)
}
