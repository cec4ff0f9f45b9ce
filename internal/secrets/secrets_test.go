package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundtrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	enc, err := s.EncryptString("router-pass")
	require.NoError(t, err)
	require.NotEmpty(t, enc)
	require.NotContains(t, enc, "router-pass")

	plain, err := s.DecryptString(enc)
	require.NoError(t, err)
	require.Equal(t, "router-pass", plain)
}

func TestEmptyStringPassthrough(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	enc, err := s.EncryptString("")
	require.NoError(t, err)
	require.Empty(t, enc)

	plain, err := s.DecryptString("")
	require.NoError(t, err)
	require.Empty(t, plain)
}

func TestKeyPersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	enc, err := s1.EncryptString("secret")
	require.NoError(t, err)

	s2, err := Open(dir)
	require.NoError(t, err)
	plain, err := s2.DecryptString(enc)
	require.NoError(t, err)
	require.Equal(t, "secret", plain)

	fi, err := os.Stat(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestTamperedCiphertextRejected(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	enc, err := s.EncryptString("secret")
	require.NoError(t, err)

	_, err = s.DecryptString("not base64!!")
	require.Error(t, err)

	_, err = s.DecryptString(enc[:4])
	require.Error(t, err)

	// flipping a ciphertext byte must fail authentication
	b := []byte(enc)
	b[len(b)-5] ^= 'x'
	_, err = s.DecryptString(string(b))
	require.Error(t, err)
}
