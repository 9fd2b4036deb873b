package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/points"
)

type fakeJobs struct {
	reconciles atomic.Int32
	expiries   atomic.Int32
	err        error
}

func (f *fakeJobs) Reconcile(context.Context) (points.ReconcileReport, error) {
	f.reconciles.Add(1)
	return points.ReconcileReport{CustomersChecked: 3, CustomersRepaired: 1}, f.err
}

func (f *fakeJobs) ExpireAll(context.Context) (points.ExpiryReport, error) {
	f.expiries.Add(1)
	return points.ExpiryReport{CustomersChecked: 2}, f.err
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(&fakeJobs{}, SchedulerConfig{Reconcile: "every hour"}, quietLogger())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile")
}

func TestScheduler_EmptySpecDisablesJob(t *testing.T) {
	s, err := NewScheduler(&fakeJobs{}, SchedulerConfig{Reconcile: "@every 1h"}, quietLogger())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	assert.False(t, s.NextRun("reconcile").IsZero())
	assert.True(t, s.NextRun("expiry").IsZero())
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	jobs := &fakeJobs{}
	s, err := NewScheduler(jobs, SchedulerConfig{Reconcile: "@every 1s", Expiry: "@every 1s"}, quietLogger())
	require.NoError(t, err)

	// WHEN
	s.Start()

	// THEN: both jobs fire within a few ticks
	require.Eventually(t, func() bool {
		return jobs.reconciles.Load() > 0 && jobs.expiries.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case <-s.Stop().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("running jobs did not finish")
	}
}

func TestScheduler_RunNowReportsErrors(t *testing.T) {
	jobs := &fakeJobs{err: errors.New("store down")}
	s, err := NewScheduler(jobs, SchedulerConfig{}, quietLogger())
	require.NoError(t, err)

	assert.EqualError(t, s.RunReconcile(context.Background()), "store down")
	assert.EqualError(t, s.RunExpiry(context.Background()), "store down")
	assert.Equal(t, int32(1), jobs.reconciles.Load())
}
