package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSource struct{}

func (failingSource) UserLevel(ctx context.Context, roomID, userID string) (int, error) {
	return 0, errors.New("unavailable")
}

func (failingSource) RedactLevel(ctx context.Context, roomID string) (int, bool, error) {
	return 0, false, errors.New("unavailable")
}

func TestPowerLevelChecker(t *testing.T) {
	levels := &StaticPowerLevels{
		Users:       map[string]int{"@admin": 100, "@mod": 50, "@user": 0},
		RoomRedacts: map[string]int{"!strict": 100},
	}
	checker := NewPowerLevelChecker(levels, 0)
	ctx := context.Background()

	tests := []struct {
		room, user string
		allowed    bool
	}{
		{"!room", "@admin", true},
		{"!room", "@mod", true},
		{"!room", "@user", false},
		{"!room", "@stranger", false},
		{"!strict", "@mod", false},
		{"!strict", "@admin", true},
	}

	for _, tt := range tests {
		t.Run(tt.room+tt.user, func(t *testing.T) {
			ok, err := checker.CanManage(ctx, tt.room, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, ok)
		})
	}

	assert.Equal(t, DefaultRedactLevel, checker.RequiredLevel(ctx, "!room"))
	assert.Equal(t, 100, checker.RequiredLevel(ctx, "!strict"))
}

func TestPowerLevelChecker_SourceError(t *testing.T) {
	checker := NewPowerLevelChecker(failingSource{}, 75)

	assert.Equal(t, 75, checker.RequiredLevel(context.Background(), "!room"))
	ok, err := checker.CanManage(context.Background(), "!room", "@user")
	assert.Error(t, err)
	assert.False(t, ok)
}
