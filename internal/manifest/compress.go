package manifest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how stored records are compressed.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// ErrUnknownCompression reports an unsupported compression name or marker.
var ErrUnknownCompression = errors.New("unknown compression")

// ParseCompression accepts "", "none", "lz4" and "zstd".
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Frame layout: [marker uint8][uncompressed size uint32 LE][payload].
const frameHeaderSize = 5

// MaxRecordSize bounds the encoded size of one record. Frames claiming more
// are rejected before any buffer is allocated.
const MaxRecordSize = 16 << 20

// lz4MaxRatio is the largest expansion an LZ4 block can encode.
const lz4MaxRatio = 255

// Codec turns records into compressed frames. Each frame names its own
// compression, so a store written with one setting stays readable under
// another. A Codec is safe for concurrent use.
type Codec struct {
	compression Compression
	enc         *zstd.Encoder
	dec         *zstd.Decoder
}

func NewCodec(c Compression) (*Codec, error) {
	if c > CompressionZstd {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRecordSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{compression: c, enc: enc, dec: dec}, nil
}

func (c *Codec) Compression() Compression { return c.compression }

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() error {
	c.dec.Close()
	return c.enc.Close()
}

// Marshal encodes r as JSON and compresses it. Payloads that do not shrink
// are stored uncompressed.
func (c *Codec) Marshal(r Record) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return c.compress(raw)
}

// Unmarshal decodes a frame produced by Marshal.
func (c *Codec) Unmarshal(frame []byte) (Record, error) {
	raw, err := c.decompress(frame)
	if err != nil {
		return Record{}, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func (c *Codec) compress(raw []byte) ([]byte, error) {
	if len(raw) > MaxRecordSize {
		return nil, fmt.Errorf("record of %d bytes exceeds %d", len(raw), MaxRecordSize)
	}
	marker := c.compression
	var payload []byte
	switch c.compression {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		payload = buf[:n]
	case CompressionZstd:
		payload = c.enc.EncodeAll(raw, nil)
	}
	if marker == CompressionNone || len(payload) == 0 || len(payload) >= len(raw) {
		marker, payload = CompressionNone, raw
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = byte(marker)
	binary.LittleEndian.PutUint32(frame[1:5], uint32(len(raw)))
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

func (c *Codec) decompress(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, errors.New("frame too small for header")
	}
	size := binary.LittleEndian.Uint32(frame[1:5])
	payload := frame[frameHeaderSize:]
	if size > MaxRecordSize {
		return nil, fmt.Errorf("frame size %d exceeds %d", size, MaxRecordSize)
	}

	switch Compression(frame[0]) {
	case CompressionNone:
		if uint32(len(payload)) != size {
			return nil, fmt.Errorf("frame size mismatch: header %d, payload %d", size, len(payload))
		}
		return payload, nil
	case CompressionLZ4:
		if uint64(size) > uint64(len(payload))*lz4MaxRatio+64 {
			return nil, fmt.Errorf("frame size %d impossible for %d byte lz4 block", size, len(payload))
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != size {
			return nil, errors.New("lz4 decompressed size mismatch")
		}
		return out, nil
	case CompressionZstd:
		out, err := c.dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if uint32(len(out)) != size {
			return nil, errors.New("zstd decompressed size mismatch")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: marker %d", ErrUnknownCompression, frame[0])
	}
}
