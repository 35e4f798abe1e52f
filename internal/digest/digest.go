// Package digest computes content digests of files and byte streams.
//
// Digests are 32-byte cryptographic hashes rendered as 64 lowercase hex
// characters. The same bytes always produce the same digest, regardless of
// the file name or any other metadata. Input is consumed in fixed-size blocks
// so memory use does not grow with the size of the input.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// DefaultBlockSize is the read size used when streaming input (1 MiB).
const DefaultBlockSize = 1 << 20

// Size is the length in bytes of every digest produced by an Engine.
const Size = 32

// HexLen is the length of a digest rendered as hex.
const HexLen = Size * 2

// ErrIO is wrapped by every error caused by failing to read the input.
var ErrIO = errors.New("digest: read failure")

// ErrUnknownAlgorithm is returned by New for an unsupported algorithm name.
var ErrUnknownAlgorithm = errors.New("digest: unknown algorithm")

// Algorithm names a supported hash function.
type Algorithm string

const (
	BLAKE3 Algorithm = "blake3"
	SHA256 Algorithm = "sha256"
)

// Engine streams input through the configured hash function.
// An Engine is safe for concurrent use; each call allocates its own state.
type Engine struct {
	alg       Algorithm
	blockSize int
	newHash   func() hash.Hash
}

// New returns an Engine for alg. A blockSize of zero or less selects
// DefaultBlockSize.
func New(alg Algorithm, blockSize int) (*Engine, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	var fn func() hash.Hash
	switch alg {
	case BLAKE3, "":
		alg = BLAKE3
		fn = func() hash.Hash { return blake3.New() }
	case SHA256:
		fn = sha256.New
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(alg))
	}
	return &Engine{alg: alg, blockSize: blockSize, newHash: fn}, nil
}

// Algorithm reports the hash function in use.
func (e *Engine) Algorithm() Algorithm { return e.alg }

// Digest consumes r to EOF and returns its hex digest.
func (e *Engine) Digest(r io.Reader) (string, error) {
	h := e.newHash()
	buf := make([]byte, e.blockSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n]) //nolint:errcheck // hash.Hash never returns an error
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestFile opens path and digests its content.
func (e *Engine) DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer f.Close()

	sum, err := e.Digest(f)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return sum, nil
}

// DigestBytes digests an in-memory buffer.
func (e *Engine) DigestBytes(b []byte) string {
	h := e.newHash()
	h.Write(b) //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil))
}

// IsValidHex reports whether s is a well-formed digest: exactly HexLen
// lowercase hex characters.
func IsValidHex(s string) bool {
	if len(s) != HexLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
