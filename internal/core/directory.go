package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// UserDirectory caches the users collection, mirrored under the users key so
// the chat list can still resolve partners while offline.
type UserDirectory struct {
	remote remote.DocumentStore
	mirror store.Mirror

	mux   sync.RWMutex
	users map[string]store.User
}

// ProfileUpdate names the profile fields to change. Nil fields are left
// untouched; an empty string clears an optional field.
type ProfileUpdate struct {
	Username      *string `json:"username,omitempty"`
	AvatarRef     *string `json:"avatar,omitempty"`
	SelectedFrame *string `json:"selectedFrame,omitempty"`
	Bio           *string `json:"bio,omitempty"`
	Activity      *string `json:"activity,omitempty"`
}

func NewUserDirectory(rs remote.DocumentStore, mirror store.Mirror) *UserDirectory {
	return &UserDirectory{
		remote: rs,
		mirror: mirror,
		users:  make(map[string]store.User),
	}
}

// Load replaces the directory with the remote users collection. When the
// remote fetch fails the mirrored copy is used and no error is returned unless
// the mirror is unreadable too.
func (d *UserDirectory) Load(ctx context.Context) error {
	docs, err := d.remote.FetchAll(ctx, remote.Users)
	if err != nil {
		jww.WARN.Printf("[UserDirectory] loading mirrored users, remote fetch "+
			"failed: %+v", err)
		var cached []store.User
		if _, mErr := store.GetJSON(d.mirror, store.UsersKey, &cached); mErr != nil {
			return errors.Wrapf(ErrRemoteUnavailable, "%v; mirror: %v", err, mErr)
		}
		d.mux.Lock()
		defer d.mux.Unlock()
		d.users = make(map[string]store.User, len(cached))
		for _, u := range cached {
			d.users[u.ID] = u
		}
		return nil
	}

	users := make(map[string]store.User, len(docs))
	for _, doc := range docs {
		u, err := decodeUser(doc)
		if err != nil {
			jww.WARN.Printf("[UserDirectory] skipping user %s: %+v", doc.ID, err)
			continue
		}
		users[u.ID] = u
	}

	d.mux.Lock()
	defer d.mux.Unlock()
	d.users = users
	d.persist()
	return nil
}

// Apply folds a users change batch into the directory and returns the users
// that were added or modified.
func (d *UserDirectory) Apply(batch remote.Batch) []store.User {
	d.mux.Lock()
	defer d.mux.Unlock()

	var changed []store.User
	for _, c := range batch.Changes {
		if c.Type == remote.Removed {
			delete(d.users, c.Doc.ID)
			continue
		}
		u, err := decodeUser(c.Doc)
		if err != nil {
			jww.WARN.Printf("[UserDirectory] skipping user %s: %+v", c.Doc.ID, err)
			continue
		}
		d.users[u.ID] = u
		changed = append(changed, u)
	}
	d.persist()
	return changed
}

func (d *UserDirectory) Get(id string) (store.User, bool) {
	d.mux.RLock()
	defer d.mux.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// All returns a copy of the directory keyed by user id.
func (d *UserDirectory) All() map[string]store.User {
	d.mux.RLock()
	defer d.mux.RUnlock()
	out := make(map[string]store.User, len(d.users))
	for id, u := range d.users {
		out[id] = u
	}
	return out
}

// Username returns the username of id, or id itself when unknown.
func (d *UserDirectory) Username(id string) string {
	if u, ok := d.Get(id); ok && u.Username != "" {
		return u.Username
	}
	return id
}

// UsernameTaken reports whether another user than exceptID holds name.
// Usernames are compared case-sensitively.
func (d *UserDirectory) UsernameTaken(name, exceptID string) bool {
	d.mux.RLock()
	defer d.mux.RUnlock()
	for id, u := range d.users {
		if id != exceptID && u.Username == name {
			return true
		}
	}
	return false
}

// Search returns the users other than exceptID whose username contains query,
// ignoring case, ordered by username.
func (d *UserDirectory) Search(query, exceptID string) []store.User {
	q := strings.ToLower(strings.TrimSpace(query))
	d.mux.RLock()
	var found []store.User
	for id, u := range d.users {
		if id == exceptID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Username), q) {
			found = append(found, u)
		}
	}
	d.mux.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].Username != found[j].Username {
			return found[i].Username < found[j].Username
		}
		return found[i].ID < found[j].ID
	})
	return found
}

// UpdateProfile merges upd into the user record of id.
func (d *UserDirectory) UpdateProfile(ctx context.Context, id string,
	upd ProfileUpdate) (store.User, error) {
	values := make(map[string]any)
	if upd.Username != nil {
		name := strings.TrimSpace(*upd.Username)
		if name == "" {
			return store.User{}, errors.Wrap(ErrValidation, "username cannot be empty")
		}
		if d.UsernameTaken(name, id) {
			return store.User{}, errors.Wrapf(ErrValidation,
				"username %q is already taken", name)
		}
		values["username"] = name
	}
	for field, v := range map[string]*string{
		"avatar":        upd.AvatarRef,
		"selectedFrame": upd.SelectedFrame,
		"bio":           upd.Bio,
		"activity":      upd.Activity,
	} {
		if v != nil {
			values[field] = optional(*v)
		}
	}
	if len(values) == 0 {
		return store.User{}, errors.Wrap(ErrValidation, "profile update is empty")
	}

	fields, err := remote.NewFields(values)
	if err != nil {
		return store.User{}, err
	}
	if err = d.remote.Merge(context.WithoutCancel(ctx), remote.Users, id, fields); err != nil {
		return store.User{}, errors.Wrapf(ErrRemoteUnavailable,
			"failed to update profile of %s: %v", id, err)
	}

	d.mux.Lock()
	defer d.mux.Unlock()
	u, ok := d.users[id]
	if !ok {
		u = store.User{ID: id}
	}
	if upd.Username != nil {
		u.Username = strings.TrimSpace(*upd.Username)
	}
	if upd.AvatarRef != nil {
		u.AvatarRef = optional(*upd.AvatarRef)
	}
	if upd.SelectedFrame != nil {
		u.SelectedFrame = optional(*upd.SelectedFrame)
	}
	if upd.Bio != nil {
		u.Bio = optional(*upd.Bio)
	}
	if upd.Activity != nil {
		u.Activity = optional(*upd.Activity)
	}
	d.users[id] = u
	d.persist()
	return u, nil
}

// setPresence records a committed presence change locally.
func (d *UserDirectory) setPresence(id string, online bool, lastSeen *time.Time) store.User {
	d.mux.Lock()
	defer d.mux.Unlock()
	u, ok := d.users[id]
	if !ok {
		u = store.User{ID: id}
	}
	u.Online = online
	u.LastSeen = lastSeen
	d.users[id] = u
	d.persist()
	return u
}

// persist must be called with the lock held.
func (d *UserDirectory) persist() {
	users := make([]store.User, 0, len(d.users))
	for _, u := range d.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	if err := store.SetJSON(d.mirror, store.UsersKey, users); err != nil {
		jww.WARN.Printf("[UserDirectory] failed to mirror users: %+v", err)
	}
}

func decodeUser(doc remote.Document) (store.User, error) {
	var u store.User
	if err := doc.Decode(&u); err != nil {
		return store.User{}, err
	}
	if u.ID == "" {
		u.ID = doc.ID
	}
	return u, nil
}

// optional maps an empty string to nil.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
