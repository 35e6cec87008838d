package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"astrales.app/chatsync/internal/remote"
)

// Tests that batches are applied one at a time in commit order and that Do
// runs after every batch queued before it.
func TestRealtimeSync_Order(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	s := NewRealtimeSync(rs)

	var (
		mux     sync.Mutex
		applied []string
		running int
		overlap bool
	)
	s.Handle(remote.Messages, func(_ context.Context, batch remote.Batch) {
		mux.Lock()
		running++
		overlap = overlap || running > 1
		mux.Unlock()
		time.Sleep(time.Millisecond)
		mux.Lock()
		for _, c := range batch.Changes {
			applied = append(applied, c.Doc.ID)
		}
		running--
		mux.Unlock()
	})
	s.Handle(remote.Users, func(_ context.Context, batch remote.Batch) {
		mux.Lock()
		running++
		overlap = overlap || running > 1
		running--
		mux.Unlock()
	})
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, id := range want {
		fields, err := remote.NewFields(map[string]any{"n": id})
		require.NoError(t, err)
		require.NoError(t, rs.Merge(ctx, remote.Messages, id, fields))
		require.NoError(t, rs.Merge(ctx, remote.Users, id, fields))
	}

	require.Eventually(t, func() bool {
		mux.Lock()
		defer mux.Unlock()
		return len(applied) == len(want)
	}, 2*time.Second, 5*time.Millisecond)

	mux.Lock()
	require.Equal(t, want, applied)
	require.False(t, overlap)
	mux.Unlock()

	ran := false
	require.NoError(t, s.Do(ctx, func(context.Context) { ran = true }))
	require.True(t, ran)
}

// Tests that Start reports feeds it could not open but still runs Do, and that
// Do fails once stopped.
func TestRealtimeSync_Degraded(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	rs.SetOffline(true)
	s := NewRealtimeSync(rs)
	s.Handle(remote.Users, func(context.Context, remote.Batch) {})

	require.ErrorIs(t, s.Start(ctx), ErrRemoteUnavailable)
	require.NoError(t, s.Do(ctx, func(context.Context) {}))

	s.Stop()
	require.ErrorIs(t, s.Do(ctx, func(context.Context) {}), ErrSessionClosed)
}
