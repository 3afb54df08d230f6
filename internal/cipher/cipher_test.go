package cipher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"session id", "sess-4f1f2b9e-aa10-4c8d-9a6f-1d2e3f4a5b6c"},
		{"long token", "eyJhbGciOiJSUzI1NiJ9." + string(make([]byte, 2000))},
		{"unicode", "kontoutskrift æøå 銀行"},
		{"single char", "x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := c.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, tt.plaintext, encrypted)

			decrypted, err := c.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestEmptyPassthrough(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	encrypted, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", encrypted)

	decrypted, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", decrypted)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)

	// Random nonce per call; identical plaintexts must not leak equality.
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := New("test-secret")
	require.NoError(t, err)

	encrypted, err := c.Encrypt("credential")
	require.NoError(t, err)

	_, err = c.Decrypt("AAAA" + encrypted[4:])
	assert.Error(t, err)
}

func TestDifferentSecretsCannotDecrypt(t *testing.T) {
	a, err := New("secret-a")
	require.NoError(t, err)
	b, err := New("secret-b")
	require.NoError(t, err)

	encrypted, err := a.Encrypt("credential")
	require.NoError(t, err)

	_, err = b.Decrypt(encrypted)
	assert.Error(t, err)
}

func TestShortAndLongSecrets(t *testing.T) {
	// Secrets are padded or truncated to the key length, never rejected.
	for _, secret := range []string{"s", "this-secret-is-much-longer-than-thirty-two-bytes-in-total"} {
		c, err := New(secret)
		require.NoError(t, err)

		encrypted, err := c.Encrypt("value")
		require.NoError(t, err)
		decrypted, err := c.Decrypt(encrypted)
		require.NoError(t, err)
		assert.Equal(t, "value", decrypted)
	}
}
