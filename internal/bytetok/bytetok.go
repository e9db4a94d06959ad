// Package bytetok implements the byte-level tokenizer used by the graft
// runtime. There is no learned vocabulary: every UTF-8 byte maps to its
// own id, and the reserved special ids live above the byte range so a
// decoded payload can never collide with a marker.
package bytetok

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// ByteVocab is the number of raw byte values.
	ByteVocab = 256

	// Special ids, placed above the byte range.
	BOS = 256
	EOS = 257
	PAD = 258

	// VocabSize is the full id space: bytes plus specials.
	VocabSize = 259
)

var (
	ErrInvalidEncoding = errors.New("bytetok: byte sequence is not valid UTF-8")
	ErrSequenceTooLong = errors.New("bytetok: sequence exceeds max length")
	ErrInvalidID       = errors.New("bytetok: id out of range")
)

// Tokenizer converts text to byte-id sequences and back. The zero value
// is not useful; construct with New.
type Tokenizer struct {
	MaxSeqLen int
	AddBOS    bool
	AddEOS    bool

	// Truncate makes Encode clip over-long input to MaxSeqLen instead of
	// returning ErrSequenceTooLong.
	Truncate bool
}

// New returns a tokenizer with BOS/EOS markers enabled and the given
// sequence bound. maxSeqLen <= 0 disables the bound.
func New(maxSeqLen int) *Tokenizer {
	return &Tokenizer{
		MaxSeqLen: maxSeqLen,
		AddBOS:    true,
		AddEOS:    true,
	}
}

// Encode maps text to its UTF-8 bytes plus the configured markers.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text)+2)
	if t.AddBOS {
		ids = append(ids, BOS)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	if t.AddEOS {
		ids = append(ids, EOS)
	}
	if t.MaxSeqLen > 0 && len(ids) > t.MaxSeqLen {
		if !t.Truncate {
			return nil, fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, len(ids), t.MaxSeqLen)
		}
		ids = ids[:t.MaxSeqLen]
	}
	return ids, nil
}

// EncodePrompt encodes text with a leading BOS but no trailing EOS, the
// form fed to the model before generation.
func (t *Tokenizer) EncodePrompt(text string) ([]int, error) {
	tt := *t
	tt.AddEOS = false
	return tt.Encode(text)
}

// Decode reconstructs text from ids. Special ids are stripped; the
// remaining payload must be well-formed UTF-8 or ErrInvalidEncoding is
// returned with the offset of the first bad byte.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	buf := make([]byte, 0, len(ids))
	for i, id := range ids {
		switch {
		case id >= 0 && id < ByteVocab:
			buf = append(buf, byte(id))
		case id == BOS, id == EOS, id == PAD:
			// marker, not payload
		default:
			return "", fmt.Errorf("%w: id %d at position %d", ErrInvalidID, id, i)
		}
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: first invalid byte at offset %d", ErrInvalidEncoding, invalidOffset(buf))
	}
	return string(buf), nil
}

// DecodeLossy is Decode without the validity check, used for streaming
// partial output where a rune may still be incomplete.
func (t *Tokenizer) DecodeLossy(ids []int) []byte {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < ByteVocab {
			buf = append(buf, byte(id))
		}
	}
	return buf
}

func invalidOffset(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(b)
}
