package core

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// DefaultPresenceDebounce is the window within which visibility and focus
// signals are coalesced.
const DefaultPresenceDebounce = 1500 * time.Millisecond

// PresenceSource names where a presence signal came from.
type PresenceSource string

const (
	SourceVisibility PresenceSource = "visibility"
	SourceFocus      PresenceSource = "focus"
	SourceBlur       PresenceSource = "blur"
	SourceLogin      PresenceSource = "login"
	SourceLogout     PresenceSource = "logout"
)

// PresenceSignal is a transient presence event. Value is only read for
// visibility signals, where true means the page became visible.
type PresenceSignal struct {
	Source PresenceSource `json:"source"`
	Value  bool           `json:"value"`
}

// wantsOnline maps a signal to the state it asks for.
func (s PresenceSignal) wantsOnline() (bool, error) {
	switch s.Source {
	case SourceVisibility:
		return s.Value, nil
	case SourceFocus, SourceLogin:
		return true, nil
	case SourceBlur, SourceLogout:
		return false, nil
	}
	return false, errors.Wrapf(ErrValidation, "unknown presence source %q", s.Source)
}

// immediate reports whether the signal bypasses the debounce window.
func (s PresenceSignal) immediate() bool {
	return s.Source == SourceLogin || s.Source == SourceLogout
}

// PresenceTracker is the online/offline state machine of the session user.
// Login and logout commit at once; the other signals only record the desired
// state, which is committed when no newer signal arrives within the debounce
// window and it differs from the committed state.
type PresenceTracker struct {
	remote    remote.DocumentStore
	directory *UserDirectory
	userID    string
	debounce  time.Duration
	now       func() time.Time
	onCommit  func(store.User)

	// commitMux orders remote presence writes; a debounced write never
	// lands after a later immediate one.
	commitMux sync.Mutex

	mux       sync.Mutex
	committed bool
	desired   bool
	timer     *time.Timer
	gen       uint64
	stopped   bool
}

func NewPresenceTracker(rs remote.DocumentStore, directory *UserDirectory,
	userID string, debounce time.Duration, now func() time.Time,
	onCommit func(store.User)) *PresenceTracker {
	if debounce <= 0 {
		debounce = DefaultPresenceDebounce
	}
	if now == nil {
		now = time.Now
	}
	if onCommit == nil {
		onCommit = func(store.User) {}
	}
	return &PresenceTracker{
		remote:    rs,
		directory: directory,
		userID:    userID,
		debounce:  debounce,
		now:       now,
		onCommit:  onCommit,
	}
}

// Online returns the last committed state.
func (p *PresenceTracker) Online() bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.committed
}

// Signal feeds one presence event into the state machine. Only immediate
// signals can return a remote error; debounced commits log theirs.
func (p *PresenceTracker) Signal(ctx context.Context, sig PresenceSignal) error {
	online, err := sig.wantsOnline()
	if err != nil {
		return err
	}

	p.mux.Lock()
	if p.stopped {
		p.mux.Unlock()
		return ErrSessionClosed
	}
	p.desired = online
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	if sig.immediate() {
		p.mux.Unlock()
		p.commitMux.Lock()
		defer p.commitMux.Unlock()
		return p.commit(ctx, online)
	}

	gen := p.gen
	p.timer = time.AfterFunc(p.debounce, func() { p.settle(gen) })
	p.mux.Unlock()
	return nil
}

// Stop cancels any pending debounced commit.
func (p *PresenceTracker) Stop() {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.stopped = true
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *PresenceTracker) settle(gen uint64) {
	p.commitMux.Lock()
	defer p.commitMux.Unlock()

	p.mux.Lock()
	if gen != p.gen || p.stopped {
		p.mux.Unlock()
		return
	}
	p.timer = nil
	online, committed := p.desired, p.committed
	p.mux.Unlock()

	if online == committed {
		jww.TRACE.Printf("[PresenceTracker] %s settled on committed state %t",
			p.userID, online)
		return
	}
	if err := p.commit(context.Background(), online); err != nil {
		jww.WARN.Printf("[PresenceTracker] debounced commit for %s failed: %+v",
			p.userID, err)
	}
}

func (p *PresenceTracker) commit(ctx context.Context, online bool) error {
	u, err := SetOnlineStatus(ctx, p.remote, p.directory, p.userID, online, p.now())
	if err != nil {
		return err
	}
	p.mux.Lock()
	p.committed = online
	p.mux.Unlock()
	jww.DEBUG.Printf("[PresenceTracker] %s is now online=%t", p.userID, online)
	p.onCommit(u)
	return nil
}

// SetOnlineStatus writes {online, lastSeen} to users/<userID>; lastSeen is
// null while online and now otherwise. The directory is only updated after
// the remote write succeeds.
func SetOnlineStatus(ctx context.Context, rs remote.DocumentStore,
	directory *UserDirectory, userID string, online bool,
	now time.Time) (store.User, error) {
	var lastSeen *time.Time
	var lastSeenMs any
	if !online {
		lastSeen = &now
		lastSeenMs = now.UnixMilli()
	}

	fields, err := remote.NewFields(map[string]any{
		"online":   online,
		"lastSeen": lastSeenMs,
	})
	if err != nil {
		return store.User{}, err
	}
	if err = rs.Merge(context.WithoutCancel(ctx), remote.Users, userID, fields); err != nil {
		return store.User{}, errors.Wrapf(ErrRemoteUnavailable,
			"failed to set presence of %s: %v", userID, err)
	}
	return directory.setPresence(userID, online, lastSeen), nil
}

// activityAliases maps lower-cased activity names to their display form.
var activityAliases = map[string]string{
	"cs2":            "CS2",
	"cs":             "CS2",
	"csgo":           "CS:GO",
	"cs:go":          "CS:GO",
	"dota":           "Dota 2",
	"dota2":          "Dota 2",
	"dota 2":         "Dota 2",
	"gta":            "GTA V",
	"gta5":           "GTA V",
	"gta v":          "GTA V",
	"lol":            "League of Legends",
	"minecraft":      "Minecraft",
	"pubg":           "PUBG",
	"valorant":       "Valorant",
	"fortnite":       "Fortnite",
	"apex":           "Apex Legends",
	"rust":           "Rust",
	"tarkov":         "Escape from Tarkov",
	"world of tanks": "World of Tanks",
	"wot":            "World of Tanks",
}

// NormalizeActivity returns the display name of an activity.
func NormalizeActivity(activity string) string {
	a := strings.TrimSpace(activity)
	if alias, ok := activityAliases[strings.ToLower(a)]; ok {
		return alias
	}
	return a
}

// PresenceText renders the status line of u as seen at now. An activity wins
// over everything; an online user never shows lastSeen; an offline user shows
// the time of day when lastSeen is less than a day old.
func PresenceText(u store.User, now time.Time) string {
	if u.Activity != nil && strings.TrimSpace(*u.Activity) != "" {
		return "playing " + NormalizeActivity(*u.Activity)
	}
	if u.Online {
		return "online"
	}
	if u.LastSeen != nil && now.Sub(*u.LastSeen) < 24*time.Hour {
		return "last seen at " + u.LastSeen.In(now.Location()).Format("15:04")
	}
	return "last seen recently"
}
