package ledger

import (
	"encoding/hex"
	"fmt"
)

// EncodeDigest converts a 64-character hex digest into the 32-byte value
// stored on the ledger. Upper-case hex is accepted on input.
func EncodeDigest(hexDigest string) ([32]byte, error) {
	var out [32]byte
	if len(hexDigest) != 64 {
		return out, fmt.Errorf("%w: got %d hex characters", ErrInvalidDigestLength, len(hexDigest))
	}
	b, err := hex.DecodeString(hexDigest)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	copy(out[:], b)
	return out, nil
}

// DecodeDigest converts a 32-byte ledger value back into lowercase hex.
func DecodeDigest(raw []byte) (string, error) {
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: got %d bytes", ErrInvalidDigestLength, len(raw))
	}
	return hex.EncodeToString(raw), nil
}
