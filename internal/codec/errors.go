package codec

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// CorruptStateError is returned when stored bytes cannot be decoded. It
// identifies the offending blob by length and content hash so it can be
// found in the durable store without logging its contents.
type CorruptStateError struct {
	Length int
	Hash   string
	Err    error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt state (%d bytes, blake3 %s): %v", e.Length, e.Hash, e.Err)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

func corrupt(data []byte, err error) *CorruptStateError {
	return &CorruptStateError{
		Length: len(data),
		Hash:   Fingerprint(data),
		Err:    err,
	}
}

// Fingerprint returns a short hex blake3 digest of data
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
