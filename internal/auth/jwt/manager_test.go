package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_IssueAndValidate(t *testing.T) {
	m := NewManager("test-secret", "expirebot", time.Hour)

	t.Run("签发并验证", func(t *testing.T) {
		tok, err := m.Issue("ops@example.org", RoleAdmin)
		require.NoError(t, err)
		assert.NotEmpty(t, tok.AccessToken)
		assert.Equal(t, int64(3600), tok.ExpiresIn)

		claims, err := m.ValidateToken(tok.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "ops@example.org", claims.Subject)
		assert.Equal(t, RoleAdmin, claims.Role)
		assert.True(t, claims.CanWrite())
	})

	t.Run("只读角色", func(t *testing.T) {
		tok, err := m.Issue("viewer", RoleReader)
		require.NoError(t, err)
		claims, err := m.ValidateToken(tok.AccessToken)
		require.NoError(t, err)
		assert.False(t, claims.CanWrite())
	})

	t.Run("非法参数", func(t *testing.T) {
		_, err := m.Issue("", RoleAdmin)
		assert.Error(t, err)
		_, err = m.Issue("x", "root")
		assert.Error(t, err)
	})

	t.Run("错误密钥", func(t *testing.T) {
		tok, err := NewManager("other", "expirebot", time.Hour).Issue("x", RoleAdmin)
		require.NoError(t, err)
		_, err = m.ValidateToken(tok.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("签发者不匹配", func(t *testing.T) {
		tok, err := NewManager("test-secret", "someone-else", time.Hour).Issue("x", RoleAdmin)
		require.NoError(t, err)
		_, err = m.ValidateToken(tok.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("过期令牌", func(t *testing.T) {
		expired := &Manager{secret: []byte("test-secret"), issuer: "expirebot", expiry: -time.Minute}
		tok, err := expired.Issue("x", RoleAdmin)
		require.NoError(t, err)
		_, err = m.ValidateToken(tok.AccessToken)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("垃圾输入", func(t *testing.T) {
		_, err := m.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
