package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobArchiver struct {
	cutoffs  []time.Time
	posErr   error
	alertErr error
}

func (f *fakeBlobArchiver) ArchivePositions(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 3, f.posErr
}

func (f *fakeBlobArchiver) ArchiveAlerts(_ context.Context, before time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, before)
	return 5, f.alertErr
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiverRunCutoff(t *testing.T) {
	f := &fakeBlobArchiver{}
	a := NewArchiver(f, 7, discard())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.Run(context.Background()))
	want := now.Add(-7 * 24 * time.Hour)
	assert.Equal(t, []time.Time{want, want}, f.cutoffs)
}

func TestArchiverRunAttemptsBothKinds(t *testing.T) {
	f := &fakeBlobArchiver{posErr: errors.New("db down")}
	a := NewArchiver(f, 0, discard())

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive positions")
	assert.Len(t, f.cutoffs, 2)
}

func TestArchiverRunEveryStops(t *testing.T) {
	a := NewArchiver(&fakeBlobArchiver{}, 1, discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.RunEvery(ctx, time.Hour), context.Canceled)
}

func TestParseCron(t *testing.T) {
	_, err := parseCron("0 3 * *")
	assert.Error(t, err)
	_, err = parseCron("61 * * * *")
	assert.Error(t, err)
	_, err = parseCron("x * * * *")
	assert.Error(t, err)

	sched, err := parseCron("0 3 1 * *")
	require.NoError(t, err)

	after := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	next, err := sched.next(after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 3, 0, 0, 0, time.UTC), next)
}

func TestCronNextIsStrictlyAfter(t *testing.T) {
	sched, err := parseCron("30 10 * * *")
	require.NoError(t, err)
	at := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	next, err := sched.next(at)
	require.NoError(t, err)
	assert.Equal(t, at.Add(24*time.Hour), next)
}

func TestArchiverTrigger(t *testing.T) {
	f := &fakeBlobArchiver{}
	a := NewArchiver(f, 1, discard())

	assert.True(t, a.Trigger())
	assert.False(t, a.Trigger(), "second trigger should coalesce")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunEvery(ctx, time.Hour) }()

	assert.Eventually(t, func() bool { return a.Trigger() }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
