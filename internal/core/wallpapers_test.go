package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// Tests that a wallpaper set by one client is fetched by another, that reset
// leaves a null record, and that the cache answers while offline.
func TestWallpapers(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemoryStore()
	chatID := ChatID("a", "b")
	now := time.UnixMilli(1000)

	writer := NewWallpapers(rs, store.NewMemoryMirror())
	wp, err := writer.Set(ctx, chatID, "https://img/1.png", "a", now)
	require.NoError(t, err)
	require.Equal(t, "https://img/1.png", *wp.URL)

	mirror := store.NewMemoryMirror()
	reader := NewWallpapers(rs, mirror)
	require.Nil(t, reader.Get(chatID))
	url := reader.Fetch(ctx, chatID)
	require.NotNil(t, url)
	require.Equal(t, "https://img/1.png", *url)

	rs.SetOffline(true)
	cached := NewWallpapers(rs, mirror)
	require.Equal(t, "https://img/1.png", *cached.Fetch(ctx, chatID))
	_, err = cached.Reset(ctx, chatID, "b", now)
	require.ErrorIs(t, err, ErrRemoteUnavailable)
	rs.SetOffline(false)

	_, err = writer.Reset(ctx, chatID, "b", now)
	require.NoError(t, err)
	require.Nil(t, writer.Get(chatID))
	doc, err := rs.Get(ctx, remote.ChatWallpapers, chatID)
	require.NoError(t, err)
	require.True(t, doc.Fields.Equal("wallpaperUrl", nil))

	reader.Load(ctx)
	require.Nil(t, reader.Get(chatID))

	_, err = writer.Set(ctx, chatID, "", "a", now)
	require.ErrorIs(t, err, ErrValidation)
}
