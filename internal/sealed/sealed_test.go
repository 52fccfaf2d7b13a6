package sealed

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{7}, KeySize)
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(), "session-1")
	require.NoError(t, err)

	plain := "You are the BlueLamp orchestrator."
	sealedValue, err := c.Encrypt(plain)
	require.NoError(t, err)
	assert.True(t, IsSealed(sealedValue))
	assert.NotEqual(t, plain, sealedValue)
	assert.NotContains(t, sealedValue, "orchestrator")

	back, err := c.Decrypt(sealedValue)
	require.NoError(t, err)
	assert.Equal(t, plain, back)
}

func TestCipherIsIdempotent(t *testing.T) {
	c, err := NewCipher(testKey(), "session-1")
	require.NoError(t, err)

	once, err := c.Encrypt("secret prompt")
	require.NoError(t, err)
	twice, err := c.Encrypt(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	plain, err := c.Decrypt("not sealed")
	require.NoError(t, err)
	assert.Equal(t, "not sealed", plain)
}

func TestCipherSessionScoped(t *testing.T) {
	a, err := NewCipher(testKey(), "session-a")
	require.NoError(t, err)
	b, err := NewCipher(testKey(), "session-b")
	require.NoError(t, err)

	v, err := a.Encrypt("prompt")
	require.NoError(t, err)
	_, err = b.Decrypt(v)
	assert.Error(t, err)
}

func TestCipherRejectsMalformed(t *testing.T) {
	c, err := NewCipher(testKey(), "s")
	require.NoError(t, err)

	_, err = c.Decrypt(Prefix + "%%%")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = c.Decrypt(Prefix + "AQID")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewCipherValidation(t *testing.T) {
	_, err := NewCipher([]byte("short"), "s")
	assert.Error(t, err)
	_, err = NewCipher(testKey(), "")
	assert.Error(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secret.key")

	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
}

func TestNull(t *testing.T) {
	var s Service = Null{}
	v, err := s.Encrypt("x")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.False(t, strings.HasPrefix(v, Prefix))
}
