package boorucache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksumString(t *testing.T) {
	// BLAKE3 of the empty input.
	c := Sum([]byte{})
	require.Equal(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", c.String())
	require.Len(t, c.Short(), 16)
}

func TestChecksumIsZero(t *testing.T) {
	var zero Checksum
	require.True(t, zero.IsZero())
	require.False(t, Sum([]byte("x")).IsZero())
}

func TestParseChecksum(t *testing.T) {
	original := Sum([]byte("parse me"))

	parsed, err := ParseChecksum(original.String())
	require.NoError(t, err)
	require.Equal(t, original, parsed)

	_, err = ParseChecksum("abc")
	require.Error(t, err)

	_, err = ParseChecksum(string(bytes.Repeat([]byte("zz"), ChecksumSize)))
	require.Error(t, err)
}

func TestChecksumWriter(t *testing.T) {
	data := []byte("the quick brown fox")
	var buf bytes.Buffer

	cw := NewChecksumWriter(&buf)
	_, err := cw.Write(data[:4])
	require.NoError(t, err)
	_, err = cw.Write(data[4:])
	require.NoError(t, err)

	require.Equal(t, data, buf.Bytes())
	require.Equal(t, Sum(data), cw.Sum())
	require.Equal(t, int64(len(data)), cw.BytesWritten())
}

func TestSumFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	data := []byte("file contents")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, n, err := SumFile(path)
	require.NoError(t, err)
	require.Equal(t, Sum(data), c)
	require.Equal(t, int64(len(data)), n)

	_, _, err = SumFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
