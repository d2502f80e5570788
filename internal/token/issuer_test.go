package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	keys, err := NewKeyring("k1", []byte("test-secret-material-0123456789ab"))
	require.NoError(t, err)
	return NewIssuer(keys)
}

func TestIssueAndVerify(t *testing.T) {
	t.Run("round trip returns the subject", func(t *testing.T) {
		issuer := newTestIssuer(t)

		cred, err := issuer.Issue("sess-abc", time.Hour)
		require.NoError(t, err)

		subject, err := issuer.Verify(cred)
		require.NoError(t, err)
		assert.Equal(t, "sess-abc", subject)
	})

	t.Run("token carries the key id", func(t *testing.T) {
		issuer := newTestIssuer(t)

		cred, err := issuer.Issue("sess-abc", time.Hour)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(cred, "k1."))
	})

	t.Run("empty keyring refuses issuance", func(t *testing.T) {
		_, err := NewKeyring("k1", nil)
		assert.ErrorIs(t, err, ErrNoKey)
	})
}

func TestVerifyErrors(t *testing.T) {
	issuer := newTestIssuer(t)

	t.Run("expired", func(t *testing.T) {
		cred, err := issuer.Issue("sess-abc", time.Minute)
		require.NoError(t, err)

		issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { issuer.now = time.Now }()

		_, err = issuer.Verify(cred)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("malformed structure", func(t *testing.T) {
		_, err := issuer.Verify("not-a-token")
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("tampered payload", func(t *testing.T) {
		cred, err := issuer.Issue("sess-abc", time.Hour)
		require.NoError(t, err)

		parts := strings.Split(cred, ".")
		parts[1] = parts[1][:len(parts[1])-2] + "xx"
		_, err = issuer.Verify(strings.Join(parts, "."))
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unknown key id", func(t *testing.T) {
		other, err := NewKeyring("k9", []byte("another-secret-material-01234567"))
		require.NoError(t, err)
		cred, err := NewIssuer(other).Issue("sess-abc", time.Hour)
		require.NoError(t, err)

		_, err = issuer.Verify(cred)
		assert.ErrorIs(t, err, ErrUnknownKey)
	})
}

func TestRotation(t *testing.T) {
	t.Run("previous key keeps verifying after one rotation", func(t *testing.T) {
		issuer := newTestIssuer(t)

		old, err := issuer.Issue("sess-abc", time.Hour)
		require.NoError(t, err)

		require.NoError(t, issuer.keys.Rotate("k2", []byte("rotated-secret-material-01234567")))

		subject, err := issuer.Verify(old)
		require.NoError(t, err)
		assert.Equal(t, "sess-abc", subject)

		fresh, err := issuer.Issue("sess-def", time.Hour)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(fresh, "k2."))
	})

	t.Run("key two rotations back is rejected", func(t *testing.T) {
		issuer := newTestIssuer(t)

		old, err := issuer.Issue("sess-abc", time.Hour)
		require.NoError(t, err)

		require.NoError(t, issuer.keys.Rotate("k2", []byte("rotated-secret-material-01234567")))
		require.NoError(t, issuer.keys.Rotate("k3", []byte("rotated-again-material-012345678")))

		_, err = issuer.Verify(old)
		assert.ErrorIs(t, err, ErrUnknownKey)
	})

	t.Run("dot in key id is refused", func(t *testing.T) {
		issuer := newTestIssuer(t)
		assert.Error(t, issuer.keys.Rotate("bad.id", []byte("secret-material-0123456789abcdef")))
	})
}
