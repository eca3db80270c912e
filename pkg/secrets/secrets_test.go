package secrets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachefront/cachefront/pkg/secrets"
)

func TestNewAESGCM(t *testing.T) {
	t.Parallel()

	t.Run("empty secret is rejected", func(t *testing.T) {
		t.Parallel()

		_, err := secrets.NewAESGCM("")
		assert.ErrorIs(t, err, secrets.ErrSecretKeyRequired)
	})

	t.Run("any non-empty secret works", func(t *testing.T) {
		t.Parallel()

		c, err := secrets.NewAESGCM("short")
		require.NoError(t, err)
		assert.NotNil(t, c)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	t.Parallel()

	c, err := secrets.NewAESGCM("test-secret")
	require.NoError(t, err)

	for _, plaintext := range []string{"", "bearer-token", `{"api_key":"k"}`} {
		ct, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ct)

		got, err := c.Decrypt(ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	t.Parallel()

	c1, err := secrets.NewAESGCM("key-one")
	require.NoError(t, err)

	c2, err := secrets.NewAESGCM("key-two")
	require.NoError(t, err)

	ct, err := c1.Encrypt("secret")
	require.NoError(t, err)

	_, err = c2.Decrypt(ct)
	assert.Error(t, err)
}

func TestDecryptGarbage(t *testing.T) {
	t.Parallel()

	c, err := secrets.NewAESGCM("key")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64!!")
	assert.Error(t, err)

	_, err = c.Decrypt("AAAA")
	assert.ErrorIs(t, err, secrets.ErrCiphertextTooShort)
}
