package cryptoutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHRoundTripSharedSecret(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceSecret, err := alice.ComputeSecret(bob.PublicKeyBase64())
	require.NoError(t, err)

	bobSecret, err := bob.ComputeSecret(alice.PublicKeyBase64())
	require.NoError(t, err)

	require.Equal(t, aliceSecret, bobSecret)
	require.Len(t, aliceSecret, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	packed, err := Encrypt(key, []byte("hello peer"))
	require.NoError(t, err)

	plaintext, err := Decrypt(key, packed)
	require.NoError(t, err)
	require.Equal(t, "hello peer", string(plaintext))
}

func TestDecryptFailsClosedOnTamper(t *testing.T) {
	key := make([]byte, 32)
	packed, err := Encrypt(key, []byte("hello peer"))
	require.NoError(t, err)

	tampered := []byte(packed)
	// flip the last base64 character to corrupt either the ciphertext or tag.
	tampered[len(tampered)-2] ^= 0x01
	if strings.TrimSpace(string(tampered)) == packed {
		t.Skip("tamper did not change payload")
	}

	_, err = Decrypt(key, string(tampered))
	require.Error(t, err)
}
