package boorucache

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the size of a BLAKE3-256 digest in bytes.
const ChecksumSize = 32

// Checksum is the BLAKE3 digest of a downloaded file or stored payload.
type Checksum [ChecksumSize]byte

// String returns the hex-encoded checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Short returns the first 8 bytes hex-encoded, for log lines.
func (c Checksum) Short() string {
	return hex.EncodeToString(c[:8])
}

// IsZero reports whether the checksum was never computed.
func (c Checksum) IsZero() bool {
	return c == Checksum{}
}

// MarshalText implements encoding.TextMarshaler.
func (c Checksum) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) != ChecksumSize*2 {
		return fmt.Errorf("invalid checksum length: expected %d hex chars, got %d", ChecksumSize*2, len(text))
	}
	_, err := hex.Decode(c[:], text)
	return err
}

// ParseChecksum parses a hex-encoded checksum.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return Checksum{}, err
	}
	return c, nil
}

// Sum computes the checksum of data.
func Sum(data []byte) Checksum {
	return Checksum(blake3.Sum256(data))
}

// SumFile computes the checksum and size of the file at path.
func SumFile(path string) (Checksum, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, 0, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Checksum{}, n, fmt.Errorf("hashing file: %w", err)
	}
	var c Checksum
	h.Sum(c[:0])
	return c, n, nil
}

// ChecksumWriter forwards writes to w while hashing them.
type ChecksumWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewChecksumWriter wraps w.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, h: blake3.New()}
}

// Write implements io.Writer. Only bytes accepted by w are hashed.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		_, _ = cw.h.Write(p[:n])
		cw.n += int64(n)
	}
	return n, err
}

// Sum returns the checksum of everything written so far.
func (cw *ChecksumWriter) Sum() Checksum {
	var c Checksum
	cw.h.Sum(c[:0])
	return c
}

// BytesWritten returns the number of bytes written so far.
func (cw *ChecksumWriter) BytesWritten() int64 {
	return cw.n
}
