package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExpiry struct {
	count int64
	err   error
	calls int
}

func (s *stubExpiry) ExpireDue(_ context.Context) (int64, error) {
	s.calls++
	return s.count, s.err
}

func TestSweeperRunOnce(t *testing.T) {
	repo := &stubExpiry{count: 3}
	svc := NewSweeperService(repo, nil, nil, time.Minute)

	count, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	assert.Equal(t, 1, repo.calls)
}

func TestSweeperRunOnceError(t *testing.T) {
	repo := &stubExpiry{err: errors.New("db down")}
	svc := NewSweeperService(repo, nil, nil, time.Minute)

	_, err := svc.RunOnce(context.Background())
	require.Error(t, err)
}

func TestSweeperStartStopsOnCancel(t *testing.T) {
	repo := &stubExpiry{}
	svc := NewSweeperService(repo, nil, nil, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
	assert.Greater(t, repo.calls, 0)
}
