package core

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// Wallpapers holds the wallpaper chosen for each chat. Records are shared
// through chatWallpapers/<chatID> and cached in the mirror; a reset is a
// record with a null URL.
type Wallpapers struct {
	remote remote.DocumentStore
	mirror store.Mirror

	mux   sync.Mutex
	cache map[string]store.Wallpaper
}

func NewWallpapers(rs remote.DocumentStore, mirror store.Mirror) *Wallpapers {
	w := &Wallpapers{
		remote: rs,
		mirror: mirror,
		cache:  make(map[string]store.Wallpaper),
	}
	if _, err := store.GetJSON(mirror, store.ChatWallpapersKey, &w.cache); err != nil {
		jww.WARN.Printf("[Wallpapers] %+v", err)
	}
	if w.cache == nil {
		w.cache = make(map[string]store.Wallpaper)
	}
	return w
}

// Set stores url as the wallpaper of chatID.
func (w *Wallpapers) Set(ctx context.Context, chatID, url, by string,
	now time.Time) (store.Wallpaper, error) {
	if url == "" {
		return store.Wallpaper{}, errors.Wrap(ErrValidation, "wallpaper URL cannot be empty")
	}
	return w.write(ctx, store.Wallpaper{
		ChatID: chatID, URL: &url, UpdatedAt: now.UnixMilli(), UpdatedBy: by})
}

// Reset clears the wallpaper of chatID.
func (w *Wallpapers) Reset(ctx context.Context, chatID, by string,
	now time.Time) (store.Wallpaper, error) {
	return w.write(ctx, store.Wallpaper{
		ChatID: chatID, UpdatedAt: now.UnixMilli(), UpdatedBy: by})
}

// Get returns the cached wallpaper URL of chatID, or nil.
func (w *Wallpapers) Get(chatID string) *string {
	w.mux.Lock()
	defer w.mux.Unlock()
	return w.cache[chatID].URL
}

// Fetch reads the remote wallpaper of chatID, falling back to the cache.
func (w *Wallpapers) Fetch(ctx context.Context, chatID string) *string {
	doc, err := w.remote.Get(ctx, remote.ChatWallpapers, chatID)
	if err != nil {
		jww.WARN.Printf("[Wallpapers] serving cached wallpaper for %s: %+v",
			chatID, err)
		return w.Get(chatID)
	}

	wp := store.Wallpaper{ChatID: chatID}
	if doc != nil {
		if err = doc.Decode(&wp); err != nil {
			jww.WARN.Printf("[Wallpapers] %+v", err)
			return w.Get(chatID)
		}
		wp.ChatID = chatID
	}
	w.mux.Lock()
	defer w.mux.Unlock()
	w.put(wp)
	return wp.URL
}

// Load merges every remote wallpaper over the cache. On failure the cache is
// kept as is.
func (w *Wallpapers) Load(ctx context.Context) {
	docs, err := w.remote.FetchAll(ctx, remote.ChatWallpapers)
	if err != nil {
		jww.WARN.Printf("[Wallpapers] keeping cached wallpapers: %+v", err)
		return
	}
	w.mux.Lock()
	defer w.mux.Unlock()
	for _, doc := range docs {
		var wp store.Wallpaper
		if err = doc.Decode(&wp); err != nil {
			jww.WARN.Printf("[Wallpapers] skipping %s: %+v", doc.ID, err)
			continue
		}
		wp.ChatID = doc.ID
		w.cache[wp.ChatID] = wp
	}
	w.persist()
}

func (w *Wallpapers) write(ctx context.Context, wp store.Wallpaper) (store.Wallpaper, error) {
	if wp.ChatID == "" {
		return store.Wallpaper{}, errors.Wrap(ErrValidation, "wallpaper needs a chat id")
	}
	fields, err := remote.NewFields(map[string]any{
		"wallpaperUrl": wp.URL,
		"updatedAt":    wp.UpdatedAt,
		"updatedBy":    wp.UpdatedBy,
	})
	if err != nil {
		return store.Wallpaper{}, err
	}
	if err = w.remote.Merge(context.WithoutCancel(ctx), remote.ChatWallpapers,
		wp.ChatID, fields); err != nil {
		return store.Wallpaper{}, errors.Wrapf(ErrRemoteUnavailable,
			"failed to save wallpaper of %s: %v", wp.ChatID, err)
	}

	w.mux.Lock()
	defer w.mux.Unlock()
	w.put(wp)
	return wp, nil
}

// put must be called with the lock held.
func (w *Wallpapers) put(wp store.Wallpaper) {
	w.cache[wp.ChatID] = wp
	w.persist()
}

// persist must be called with the lock held.
func (w *Wallpapers) persist() {
	if err := store.SetJSON(w.mirror, store.ChatWallpapersKey, w.cache); err != nil {
		jww.WARN.Printf("[Wallpapers] failed to mirror wallpapers: %+v", err)
	}
}
