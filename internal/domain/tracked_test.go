package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MessageState
		allowed  bool
	}{
		{StatePending, StateInFlight, true},
		{StateInFlight, StateDone, true},
		{StateInFlight, StateFailedPermanent, true},
		{StateInFlight, StatePending, true},
		{StatePending, StateDone, false},
		{StatePending, StateFailedPermanent, false},
		{StateDone, StatePending, false},
		{StateDone, StateInFlight, false},
		{StateFailedPermanent, StatePending, false},
		{StateInFlight, StateInFlight, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStateChange_Apply(t *testing.T) {
	now := time.Now()
	deadline := now.Add(-time.Minute)
	next := now.Add(time.Minute)

	msg := &TrackedMessage{RoomID: "!room", MessageID: "$1", Deadline: deadline, State: StateInFlight, Attempts: 1}

	StateChange{From: StateInFlight, To: StatePending, NextAttemptAt: &next, LastError: "rate limited", At: now}.Apply(msg)
	assert.Equal(t, StatePending, msg.State)
	assert.Equal(t, next, msg.DueAt())
	assert.Equal(t, deadline, msg.Deadline)
	assert.Equal(t, "rate limited", msg.LastError)

	StateChange{From: StatePending, To: StateInFlight, IncrementAttempts: true, At: now}.Apply(msg)
	assert.Equal(t, 2, msg.Attempts)
	assert.Nil(t, msg.NextAttemptAt)
	assert.Equal(t, deadline, msg.DueAt())

	StateChange{From: StateInFlight, To: StatePending, ReleaseAttempt: true, At: now}.Apply(msg)
	assert.Equal(t, StatePending, msg.State)
	assert.Equal(t, 1, msg.Attempts)
	assert.Nil(t, msg.NextAttemptAt)

	StateChange{From: StatePending, To: StateInFlight, IncrementAttempts: true, At: now}.Apply(msg)
	StateChange{From: StateInFlight, To: StateDone, At: now}.Apply(msg)
	assert.Equal(t, StateDone, msg.State)
	assert.Empty(t, msg.LastError)
	assert.True(t, msg.State.Terminal())
}

func TestStateChange_Validate(t *testing.T) {
	assert.NoError(t, StateChange{From: StatePending, To: StateInFlight}.Validate())
	assert.ErrorIs(t, StateChange{From: StatePending, To: StateDone}.Validate(), ErrInvalidTransition)
	assert.NoError(t, StateChange{From: StateInFlight, To: StatePending, ReleaseAttempt: true}.Validate())
	assert.ErrorIs(t, StateChange{From: StateInFlight, To: StateDone, ReleaseAttempt: true}.Validate(), ErrInvalidTransition)
}

func TestMessageKind_Trackable(t *testing.T) {
	for _, k := range []MessageKind{KindText, KindNotice, KindEmote, KindFile, KindImage, KindVideo, KindSticker, KindLocation, "TEXT"} {
		assert.True(t, k.Trackable(), k)
	}
	for _, k := range []MessageKind{"reaction", "member", "", "poll"} {
		assert.False(t, k.Trackable(), k)
	}
}

func TestRoomPolicy_Describe(t *testing.T) {
	p := &RoomPolicy{RoomID: "!room", Enabled: true}
	p.SetDuration(95400 * time.Second)
	assert.Equal(t, "enabled: true, duration: 1d2h30m", p.Describe())
	assert.True(t, p.Active())

	p.Enabled = false
	assert.Equal(t, "enabled: false, duration: 1d2h30m", p.Describe())
	assert.False(t, p.Active())

	var none *RoomPolicy
	assert.False(t, none.Active())
}
