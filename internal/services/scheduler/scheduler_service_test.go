package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobrelay/internal/common"
)

type countingPublisher struct {
	calls atomic.Int32
	err   error
}

func (p *countingPublisher) ProcessPending(ctx context.Context) error {
	p.calls.Add(1)
	return p.err
}

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) SweepExpired(ctx context.Context) (int64, error) {
	s.calls.Add(1)
	return 2, nil
}

func TestRegisterDefaults(t *testing.T) {
	s := NewService(arbor.NewLogger())
	err := s.RegisterDefaults(common.SchedulerConfig{
		PendingSchedule: "*/5 * * * *",
		SweepSchedule:   "0 * * * *",
	}, &countingPublisher{}, &countingSweeper{})
	require.NoError(t, err)

	statuses := s.GetAllJobStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, JobPublishPending, statuses[0].Name)
	assert.Equal(t, JobSweepSessions, statuses[1].Name)
}

func TestRegisterDefaults_EmptyPendingScheduleDisablesPublishing(t *testing.T) {
	s := NewService(arbor.NewLogger())
	err := s.RegisterDefaults(common.SchedulerConfig{SweepSchedule: "@hourly"}, &countingPublisher{}, &countingSweeper{})
	require.NoError(t, err)

	_, err = s.GetJobStatus(JobPublishPending)
	assert.Error(t, err)
	_, err = s.GetJobStatus(JobSweepSessions)
	assert.NoError(t, err)
}

func TestRegisterJob_RejectsInvalidAndDuplicate(t *testing.T) {
	s := NewService(arbor.NewLogger())
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.RegisterJob("bad", "every tuesday", "", noop))
	require.NoError(t, s.RegisterJob("ok", "*/1 * * * *", "", noop))
	assert.Error(t, s.RegisterJob("ok", "*/1 * * * *", "", noop))
}

func TestTriggerJob_RecordsOutcome(t *testing.T) {
	s := NewService(arbor.NewLogger())
	publisher := &countingPublisher{err: errors.New("pool busy")}
	require.NoError(t, s.RegisterDefaults(common.SchedulerConfig{PendingSchedule: "@every 1h"}, publisher, &countingSweeper{}))

	require.NoError(t, s.TriggerJob(JobPublishPending))
	require.Eventually(t, func() bool {
		status, err := s.GetJobStatus(JobPublishPending)
		return err == nil && status.LastRun != nil && !status.IsRunning
	}, 2*time.Second, 10*time.Millisecond)

	status, err := s.GetJobStatus(JobPublishPending)
	require.NoError(t, err)
	assert.Equal(t, "pool busy", status.LastError)
	assert.Equal(t, int32(1), publisher.calls.Load())

	assert.Error(t, s.TriggerJob("missing"))
}

func TestExecuteJob_RecoversPanic(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.RegisterJob("explode", "@every 1h", "", func(ctx context.Context) error {
		panic("boom")
	}))

	s.executeJob("explode")

	status, err := s.GetJobStatus("explode")
	require.NoError(t, err)
	assert.Equal(t, "panic: boom", status.LastError)
	assert.False(t, status.IsRunning)
}

func TestStartStop(t *testing.T) {
	s := NewService(arbor.NewLogger())
	sweeper := &countingSweeper{}
	require.NoError(t, s.RegisterDefaults(common.SchedulerConfig{SweepSchedule: "@every 1h"}, &countingPublisher{}, sweeper))

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start())

	status, err := s.GetJobStatus(JobSweepSessions)
	require.NoError(t, err)
	require.NotNil(t, status.NextRun)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
}
