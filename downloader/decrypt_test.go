package downloader

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func sequenceIV(seq uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(iv[8:], seq)
	return iv
}

// encryptForTest is the inverse of decryptCBC, with PKCS#7 padding.
func encryptForTest(t *testing.T, plain, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := make([]byte, len(plain)+pad)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDecryptWithDeclaredIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")
	plain := makeTS(2)

	got := decryptSegment("job", encryptForTest(t, plain, key, iv), key, iv, 7, 0)
	require.Equal(t, plain, got)
}

func TestDecryptFallsBackToSequenceIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	plain := makeTS(2)
	ciphertext := encryptForTest(t, plain, key, sequenceIV(104))

	// No declared IV: the sequence number must be tried.
	got := decryptSegment("job", ciphertext, key, nil, 104, 4)
	require.Equal(t, plain, got)
	require.Equal(t, byte(tsSyncByte), got[0])
}

func TestDecryptFallsBackToZeroIV(t *testing.T) {
	key := []byte("0123456789abcdef")
	plain := makeTS(2)
	ciphertext := encryptForTest(t, plain, key, make([]byte, aes.BlockSize))

	got := decryptSegment("job", ciphertext, key, nil, 55, 0)
	require.Equal(t, plain, got)
}

func TestDecryptKeepsLastPlaintextWhenNothingMatches(t *testing.T) {
	key := []byte("0123456789abcdef")
	wrongKey := []byte("abcdef0123456789")
	ciphertext := encryptForTest(t, makeTS(2), wrongKey, sequenceIV(1))

	// Decrypting with the wrong key never yields a sync byte; the bytes are
	// returned anyway so the muxer can attempt recovery.
	got := decryptSegment("job", ciphertext, key, nil, 1, 0)
	require.NotEmpty(t, got)
	require.NotEqual(t, makeTS(2), got)
}

func TestDecryptZeroExtendsUnalignedInput(t *testing.T) {
	key := []byte("0123456789abcdef")
	// 20 bytes: not a block multiple. Must not panic.
	got := decryptSegment("job", make([]byte, 20), key, nil, 0, 0)
	require.NotEmpty(t, got)
	require.LessOrEqual(t, len(got), 32)
}

func TestUnpadPKCS7Tolerant(t *testing.T) {
	require.Equal(t, []byte("abc"), unpadPKCS7([]byte{'a', 'b', 'c', 2, 2}))
	// Malformed padding is left alone.
	require.Equal(t, []byte{'a', 'b', 3, 2}, unpadPKCS7([]byte{'a', 'b', 3, 2}))
	// A final byte larger than the block size is data, not padding.
	bad := []byte{1, 2, 3, 200}
	require.Equal(t, bad, unpadPKCS7(bad))
	require.Empty(t, unpadPKCS7(nil))
}

func TestIVCandidates(t *testing.T) {
	declared := []byte("fedcba9876543210")

	cands := ivCandidates(declared, 3)
	require.Len(t, cands, 3)
	require.Equal(t, declared, cands[0])
	require.Equal(t, sequenceIV(3), cands[1])
	require.Equal(t, make([]byte, aes.BlockSize), cands[2])

	// Sequence zero makes the sequence IV and the zero IV identical; the
	// duplicate is dropped.
	cands = ivCandidates(nil, 0)
	require.Len(t, cands, 1)

	// Truncated declared IVs are ignored rather than crashing AES.
	cands = ivCandidates([]byte{0xaa, 0xbb}, 9)
	require.Len(t, cands, 2)
}

func TestLooksLikeTS(t *testing.T) {
	require.True(t, looksLikeTS(makeTS(5)))
	require.True(t, looksLikeTS(makeTS(2)))
	require.False(t, looksLikeTS(makeTS(1)[:100]))

	// Exactly one sync byte in the probed slots is not enough.
	one := make([]byte, 5*tsPacketSize)
	one[0] = tsSyncByte
	require.False(t, looksLikeTS(one))

	require.False(t, looksLikeTS([]byte("<html><body>not media</body></html>")))
}

func TestAntiPattern(t *testing.T) {
	require.NotEmpty(t, antiPattern([]byte("<!DOCTYPE html><html>...")))
	require.NotEmpty(t, antiPattern([]byte("<?xml version=\"1.0\"?>")))
	require.NotEmpty(t, antiPattern([]byte("Access Denied by policy")))
	require.NotEmpty(t, antiPattern([]byte("403 Forbidden")))
	require.Empty(t, antiPattern(makeTS(1)))
}

func TestImageMagic(t *testing.T) {
	require.True(t, imageMagic([]byte{0xff, 0xd8, 0xff, 0xe0}))
	require.True(t, imageMagic([]byte{0x89, 0x50, 0x4e, 0x47, 0x0d}))
	require.True(t, imageMagic([]byte("GIF89a")))
	require.False(t, imageMagic(makeTS(1)))
}
