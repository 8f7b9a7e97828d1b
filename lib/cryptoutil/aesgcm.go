package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/gravitational/trace"
)

const (
	ivSize  = 12
	tagSize = 16
)

// Encrypt seals plaintext under key (must be 32 bytes) with AES-256-GCM.
// The output layout is iv ‖ tag ‖ ciphertext, base64-encoded, matching the
// wire layout described in spec §4.2 so any peer holding the same key can
// split the packed blob without an out-of-band length field.
func Encrypt(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", trace.Wrap(err, "constructing AES cipher")
	}

	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return "", trace.Wrap(err, "constructing GCM mode")
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", trace.Wrap(err, "generating IV")
	}

	// Seal appends ciphertext||tag to its dst argument. We want iv||tag||ciphertext
	// on the wire, so split and reassemble before encoding.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	packed := make([]byte, 0, ivSize+tagSize+len(ciphertext))
	packed = append(packed, iv...)
	packed = append(packed, tag...)
	packed = append(packed, ciphertext...)

	return base64.StdEncoding.EncodeToString(packed), nil
}

// Decrypt reverses Encrypt. It fails closed: any tag mismatch or truncated
// input returns an error and no partial plaintext.
func Decrypt(key []byte, packedB64 string) ([]byte, error) {
	packed, err := base64.StdEncoding.DecodeString(packedB64)
	if err != nil {
		return nil, trace.Wrap(err, "decoding base64 payload")
	}
	if len(packed) < ivSize+tagSize {
		return nil, trace.BadParameter("encrypted payload too short")
	}

	iv := packed[:ivSize]
	tag := packed[ivSize : ivSize+tagSize]
	ciphertext := packed[ivSize+tagSize:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err, "constructing AES cipher")
	}

	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, trace.Wrap(err, "constructing GCM mode")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, trace.AccessDenied("decryption failed: authentication tag mismatch")
	}
	return plaintext, nil
}
