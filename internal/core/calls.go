package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/remote"
	"astrales.app/chatsync/internal/store"
)

// DefaultRingTimeout is how long an incoming call rings before it is declined.
const DefaultRingTimeout = 30 * time.Second

// CallState is the local call state of the session user.
type CallState string

const (
	CallIdle     CallState = "idle"
	CallOutgoing CallState = "outgoing"
	CallIncoming CallState = "incoming"
	CallActive   CallState = "active"
)

// CallTracker follows the call records of the calls collection that involve
// the session user. Only signaling state is tracked; media is out of scope.
type CallTracker struct {
	remote      remote.DocumentStore
	userID      string
	ringTimeout time.Duration
	now         func() time.Time
	onChange    func(CallState, *store.Call)

	mux     sync.Mutex
	state   CallState
	current *store.Call
	timer   *time.Timer
}

func NewCallTracker(rs remote.DocumentStore, userID string, ringTimeout time.Duration,
	now func() time.Time, onChange func(CallState, *store.Call)) *CallTracker {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	if now == nil {
		now = time.Now
	}
	if onChange == nil {
		onChange = func(CallState, *store.Call) {}
	}
	return &CallTracker{
		remote:      rs,
		userID:      userID,
		ringTimeout: ringTimeout,
		now:         now,
		onChange:    onChange,
		state:       CallIdle,
	}
}

// State returns the current state and call, if any.
func (ct *CallTracker) State() (CallState, *store.Call) {
	ct.mux.Lock()
	defer ct.mux.Unlock()
	return ct.state, ct.copyCurrent()
}

// Start places a call to receiverID.
func (ct *CallTracker) Start(ctx context.Context, receiverID string) (*store.Call, error) {
	if receiverID == "" || receiverID == ct.userID {
		return nil, errors.Wrap(ErrValidation, "invalid call receiver")
	}
	ct.mux.Lock()
	busy := ct.state != CallIdle
	ct.mux.Unlock()
	if busy {
		return nil, errors.Wrap(ErrValidation, "already in a call")
	}

	call := store.Call{
		ID:         uuid.NewString(),
		CallerID:   ct.userID,
		ReceiverID: receiverID,
		Status:     store.CallRinging,
		CreatedAt:  ct.now().UnixMilli(),
	}
	fields, err := remote.FieldsOf(call)
	if err != nil {
		return nil, err
	}
	if err = ct.remote.Merge(context.WithoutCancel(ctx), remote.Calls, call.ID, fields); err != nil {
		return nil, errors.Wrapf(ErrRemoteUnavailable, "failed to start call: %v", err)
	}

	ct.transition(CallOutgoing, &call)
	return &call, nil
}

// Accept answers a ringing call addressed to the session user. The call must
// still exist.
func (ct *CallTracker) Accept(ctx context.Context, callID string) error {
	call, err := ct.fetch(ctx, callID)
	if err != nil {
		return err
	}
	if call.ReceiverID != ct.userID || call.Status != store.CallRinging {
		return errors.Wrapf(ErrValidation, "call %s cannot be accepted in status %s",
			callID, call.Status)
	}
	if err = ct.setStatus(ctx, callID, store.CallAccepted); err != nil {
		return err
	}
	call.Status = store.CallAccepted
	ct.transition(CallActive, call)
	return nil
}

// Decline rejects a ringing call addressed to the session user.
func (ct *CallTracker) Decline(ctx context.Context, callID string) error {
	call, err := ct.fetch(ctx, callID)
	if err != nil {
		return err
	}
	if call.ReceiverID != ct.userID {
		return errors.Wrapf(ErrValidation, "call %s is not addressed to %s",
			callID, ct.userID)
	}
	if call.Status.Finished() {
		ct.finish(callID)
		return nil
	}
	if err = ct.setStatus(ctx, callID, store.CallDeclined); err != nil {
		return err
	}
	ct.finish(callID)
	return nil
}

// Cancel withdraws the outgoing call before it is answered.
func (ct *CallTracker) Cancel(ctx context.Context) error {
	return ct.hangUp(ctx, CallOutgoing, store.CallCancelled)
}

// End hangs up the active call.
func (ct *CallTracker) End(ctx context.Context) error {
	return ct.hangUp(ctx, CallActive, store.CallEnded)
}

// Apply folds one calls change into the local state.
func (ct *CallTracker) Apply(change remote.Change) {
	var call store.Call
	if err := change.Doc.Decode(&call); err != nil {
		jww.WARN.Printf("[CallTracker] skipping call %s: %+v", change.Doc.ID, err)
		return
	}
	if call.ID == "" {
		call.ID = change.Doc.ID
	}
	if call.CallerID != ct.userID && call.ReceiverID != ct.userID {
		return
	}

	ct.mux.Lock()
	state, current := ct.state, ct.current
	ct.mux.Unlock()
	isCurrent := current != nil && current.ID == call.ID

	switch {
	case change.Type == remote.Removed || call.Status.Finished():
		if isCurrent {
			ct.finish(call.ID)
		}
	case call.Status == store.CallRinging:
		if state == CallIdle && call.ReceiverID == ct.userID {
			ct.transition(CallIncoming, &call)
		}
	case call.Status == store.CallAccepted:
		if isCurrent && state != CallActive {
			ct.transition(CallActive, &call)
		}
	}
}

// Stop cancels the ring timer.
func (ct *CallTracker) Stop() {
	ct.mux.Lock()
	defer ct.mux.Unlock()
	ct.stopTimer()
}

func (ct *CallTracker) hangUp(ctx context.Context, from CallState, status store.CallStatus) error {
	ct.mux.Lock()
	state, current := ct.state, ct.copyCurrent()
	ct.mux.Unlock()
	if state != from || current == nil {
		return errors.Wrapf(ErrValidation, "no %s call to hang up", from)
	}
	if err := ct.setStatus(ctx, current.ID, status); err != nil {
		return err
	}
	ct.finish(current.ID)
	return nil
}

func (ct *CallTracker) fetch(ctx context.Context, callID string) (*store.Call, error) {
	doc, err := ct.remote.Get(ctx, remote.Calls, callID)
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteUnavailable, "failed to read call %s: %v",
			callID, err)
	}
	if doc == nil {
		return nil, errors.Wrapf(ErrNotFound, "call %s", callID)
	}
	var call store.Call
	if err = doc.Decode(&call); err != nil {
		return nil, err
	}
	call.ID = callID
	return &call, nil
}

func (ct *CallTracker) setStatus(ctx context.Context, callID string, status store.CallStatus) error {
	fields, err := remote.NewFields(map[string]any{"status": status})
	if err != nil {
		return err
	}
	if err = ct.remote.Merge(context.WithoutCancel(ctx), remote.Calls, callID, fields); err != nil {
		return errors.Wrapf(ErrRemoteUnavailable, "failed to set call %s to %s: %v",
			callID, status, err)
	}
	return nil
}

// finish returns to idle if callID is the current call.
func (ct *CallTracker) finish(callID string) {
	ct.mux.Lock()
	if ct.current == nil || ct.current.ID != callID {
		ct.mux.Unlock()
		return
	}
	ct.mux.Unlock()
	ct.transition(CallIdle, nil)
}

func (ct *CallTracker) transition(state CallState, call *store.Call) {
	ct.mux.Lock()
	ct.stopTimer()
	ct.state = state
	ct.current = nil
	if call != nil {
		c := *call
		ct.current = &c
	}
	if state == CallIncoming && call != nil {
		callID := call.ID
		ct.timer = time.AfterFunc(ct.ringTimeout, func() { ct.autoDecline(callID) })
	}
	current := ct.copyCurrent()
	ct.mux.Unlock()

	jww.DEBUG.Printf("[CallTracker] %s is %s", ct.userID, state)
	ct.onChange(state, current)
}

func (ct *CallTracker) autoDecline(callID string) {
	ct.mux.Lock()
	ringing := ct.state == CallIncoming && ct.current != nil && ct.current.ID == callID
	ct.mux.Unlock()
	if !ringing {
		return
	}
	jww.INFO.Printf("[CallTracker] declining unanswered call %s", callID)
	if err := ct.Decline(context.Background(), callID); err != nil {
		jww.WARN.Printf("[CallTracker] auto-decline of %s failed: %+v", callID, err)
		ct.finish(callID)
	}
}

// Must be called with the lock held.
func (ct *CallTracker) stopTimer() {
	if ct.timer != nil {
		ct.timer.Stop()
		ct.timer = nil
	}
}

// Must be called with the lock held.
func (ct *CallTracker) copyCurrent() *store.Call {
	if ct.current == nil {
		return nil
	}
	c := *ct.current
	return &c
}
