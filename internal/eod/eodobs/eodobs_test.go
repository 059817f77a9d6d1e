package eodobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSummarizer struct {
	path string
	err  error
	days []time.Time
}

func (s *stubSummarizer) SummarizeDay(ctx context.Context, t time.Time) (string, error) {
	s.days = append(s.days, t)
	return s.path, s.err
}

func (s *stubSummarizer) SummarizeToday(ctx context.Context) (string, error) {
	return s.SummarizeDay(ctx, time.Now())
}

func (s *stubSummarizer) ShouldRunNow() (bool, string) { return true, s.path }

func TestWrapPassesThrough(t *testing.T) {
	inner := &stubSummarizer{path: "logs/trades/eod/2024-03-14.csv"}
	s := Wrap(inner)
	ctx := context.Background()

	p, err := s.SummarizeDay(ctx, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, inner.path, p)

	p, err = s.SummarizeToday(ctx)
	require.NoError(t, err)
	assert.Equal(t, inner.path, p)
	assert.Len(t, inner.days, 2)

	run, p := s.ShouldRunNow()
	assert.True(t, run)
	assert.Equal(t, inner.path, p)
}

func TestWrapReturnsErrors(t *testing.T) {
	boom := errors.New("disk full")
	s := Wrap(&stubSummarizer{path: "ignored", err: boom})

	p, err := s.SummarizeDay(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, p)

	p, err = s.SummarizeToday(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, p)
}

func TestWrapNoFills(t *testing.T) {
	p, err := Wrap(&stubSummarizer{}).SummarizeToday(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p)
}
