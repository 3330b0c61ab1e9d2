package downloader

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/vodarchive/worker/clients"
	"github.com/vodarchive/worker/log"
)

const tsSyncByte = 0x47

// decryptSegment attempts AES-128-CBC decryption with each IV candidate in
// turn: the playlist-declared IV, then the segment sequence number as a
// 16-byte big-endian integer, then the all-zero IV. The first plaintext
// starting with the TS sync byte wins. When none does, the last attempted
// plaintext is returned anyway; the muxer can sometimes recover a stream from
// partially garbled input.
func decryptSegment(jobID string, data, key, declaredIV []byte, sequence uint64, index int) []byte {
	if len(data)%aes.BlockSize != 0 {
		padded := make([]byte, (len(data)/aes.BlockSize+1)*aes.BlockSize)
		copy(padded, data)
		log.Log(jobID, "ciphertext not block-aligned, zero-extending",
			"segment", index, "size", len(data))
		data = padded
	}

	var last []byte
	for _, iv := range ivCandidates(declaredIV, sequence) {
		plaintext, err := decryptCBC(data, key, iv)
		if err != nil {
			log.LogDebug(jobID, "decryption attempt failed", "segment", index, "err", err)
			continue
		}
		last = plaintext
		if len(plaintext) > 0 && plaintext[0] == tsSyncByte {
			return plaintext
		}
	}

	log.Log(jobID, "no IV candidate produced a sync byte, keeping last plaintext", "segment", index)
	if last == nil {
		return data
	}
	return last
}

func ivCandidates(declaredIV []byte, sequence uint64) [][]byte {
	seqIV := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint64(seqIV[8:], sequence)

	var out [][]byte
	if len(declaredIV) == aes.BlockSize {
		out = append(out, declaredIV)
	}
	out = append(out, seqIV)

	zeroIV := make([]byte, aes.BlockSize)
	if !bytes.Equal(zeroIV, seqIV) && (len(declaredIV) != aes.BlockSize || !bytes.Equal(zeroIV, declaredIV)) {
		out = append(out, zeroIV)
	}
	return out
}

func decryptCBC(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)
	return unpadPKCS7(plaintext), nil
}

// unpadPKCS7 strips padding when it is well-formed and otherwise returns the
// input untouched. Plenty of streams are encrypted without padding at all.
func unpadPKCS7(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return data
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return data
		}
	}
	return data[:len(data)-n]
}

// keyCache fetches and caches AES keys by URI. One playlist usually shares a
// single key across all segments, so every worker hitting the key server
// would be both slow and conspicuous.
type keyCache struct {
	mu     sync.Mutex
	keys   map[string][]byte
	client *retryablehttp.Client
}

func newKeyCache(session clients.Session, timeout time.Duration) *keyCache {
	client := retryablehttp.NewClient()
	client.RetryMax = 2                          // Retry a maximum of this+1 times
	client.RetryWaitMin = 200 * time.Millisecond // Wait at least this long between retries
	client.RetryWaitMax = 2 * time.Second        // Wait at most this long between retries (exponential backoff)
	client.Logger = log.NewRetryableHTTPLogger()
	client.HTTPClient = session.HTTPClient()
	client.HTTPClient.Timeout = timeout
	return &keyCache{
		keys:   map[string][]byte{},
		client: client,
	}
}

func (c *keyCache) fetch(ctx context.Context, uri string, headers *clients.Headers) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[uri]; ok {
		return key, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	headers.Each(func(k, v string) {
		if strings.EqualFold(k, "Host") {
			req.Host = v
			return
		}
		req.Header.Set(k, v)
	})

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching AES key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("AES key fetch returned HTTP %d", resp.StatusCode)
	}

	key := make([]byte, aes.BlockSize+1)
	n, err := io.ReadFull(resp.Body, key)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("reading AES key: %w", err)
	}
	key = key[:n]
	if len(key) != aes.BlockSize {
		return nil, fmt.Errorf("AES key is %d bytes, want %d", len(key), aes.BlockSize)
	}

	c.keys[uri] = key
	return key, nil
}
