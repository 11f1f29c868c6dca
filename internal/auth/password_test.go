package auth_test

import (
	"strings"
	"testing"

	"github.com/pilab-dev/shadow-aaa/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHasher(t *testing.T) {
	hasher := auth.NewBcryptPasswordHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("password1")
	require.NoError(t, err)
	assert.NoError(t, hasher.Verify(hash, "password1"))
	assert.Error(t, hasher.Verify(hash, "password2"))

	t.Run("LongPassword", func(t *testing.T) {
		long := strings.Repeat("ж", 100) // 200 bytes

		hash, err := hasher.Hash(long)
		require.NoError(t, err)
		assert.NoError(t, hasher.Verify(hash, long))
		assert.Error(t, hasher.Verify(hash, long[:len(long)-2]))
	})
}
