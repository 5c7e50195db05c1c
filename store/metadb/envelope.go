package metadb

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	boorucache "github.com/wolfeidau/booru-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 4 * 1024 * 1024

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1
)

// Payload encodings.
const (
	EncodingIdentity uint64 = 0
	EncodingZstd     uint64 = 1
)

// Envelope field numbers. Unknown fields are skipped on decode so new
// fields can be added without a migration.
const (
	fieldVersion   protowire.Number = 1
	fieldEncoding  protowire.Number = 2
	fieldDigest    protowire.Number = 3
	fieldSize      protowire.Number = 4
	fieldPayload   protowire.Number = 5
	fieldReadTime  protowire.Number = 6
	fieldUpdatedAt protowire.Number = 7
)

var (
	// ErrPayloadTooLarge is returned when payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = errors.New("payload digest mismatch")

	// ErrMalformedEnvelope is returned when envelope bytes cannot be parsed.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// envelope is the stored form of a Record's value. The payload stays
// encoded until decodePayload is called.
type envelope struct {
	Version   uint64
	Encoding  uint64
	Digest    boorucache.Checksum
	Size      uint64
	Payload   []byte
	ReadTime  time.Time
	UpdatedAt time.Time
}

// EnvelopeCodec handles envelope encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type EnvelopeCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewEnvelopeCodec creates a new codec with pooled zstd encoder/decoder.
func NewEnvelopeCodec() (*EnvelopeCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &EnvelopeCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *EnvelopeCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// seal builds an envelope for data, compressing it when that helps.
func (c *EnvelopeCodec) seal(data []byte, readTime, updatedAt time.Time) (*envelope, error) {
	if len(data) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	env := &envelope{
		Version:   CurrentEnvelopeVersion,
		Encoding:  EncodingIdentity,
		Digest:    boorucache.Sum(data),
		Size:      uint64(len(data)),
		Payload:   data,
		ReadTime:  readTime,
		UpdatedAt: updatedAt,
	}

	if len(data) < CompressionThreshold {
		return env, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return env, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) < len(data) {
		env.Payload = compressed
		env.Encoding = EncodingZstd
	}
	return env, nil
}

// decodePayload decompresses the payload if needed and verifies its digest.
func (c *EnvelopeCodec) decodePayload(env *envelope) ([]byte, error) {
	var data []byte
	switch env.Encoding {
	case EncodingIdentity:
		data = env.Payload
	case EncodingZstd:
		if env.Size > MaxPayloadSize {
			return nil, ErrPayloadTooLarge
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		var err error
		data, err = dec.DecodeAll(env.Payload, make([]byte, 0, env.Size))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", env.Encoding)
	}

	if boorucache.Sum(data) != env.Digest {
		return nil, ErrCorrupted
	}
	return data, nil
}

// marshalEnvelope encodes env in protobuf wire format.
func marshalEnvelope(env *envelope) []byte {
	b := make([]byte, 0, len(env.Payload)+64)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Version)
	if env.Encoding != EncodingIdentity {
		b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
		b = protowire.AppendVarint(b, env.Encoding)
	}
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Digest[:])
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Size)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Payload)
	b = appendTime(b, fieldReadTime, env.ReadTime)
	b = appendTime(b, fieldUpdatedAt, env.UpdatedAt)
	return b
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

// unmarshalEnvelope decodes protobuf wire bytes. The payload is copied
// because bbolt values are only valid for the life of a transaction.
func unmarshalEnvelope(b []byte) (*envelope, error) {
	env := &envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldDigest && num != fieldPayload:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				env.Version = v
			case fieldEncoding:
				env.Encoding = v
			case fieldSize:
				env.Size = v
			case fieldReadTime:
				env.ReadTime = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			case fieldUpdatedAt:
				env.UpdatedAt = time.Unix(0, protowire.DecodeZigZag(v)).UTC()
			}
		case typ == protowire.BytesType && (num == fieldDigest || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldDigest {
				if len(v) != boorucache.ChecksumSize {
					return nil, fmt.Errorf("%w: digest length %d", ErrMalformedEnvelope, len(v))
				}
				copy(env.Digest[:], v)
			} else {
				env.Payload = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if env.Version == 0 {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedEnvelope)
	}
	return env, nil
}
