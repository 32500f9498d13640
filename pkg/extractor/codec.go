package extractor

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Compression selects how frame payloads are encoded on the wire.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// MaxFrameSize bounds a single payload.
const MaxFrameSize = 64 << 20

// ParseCompression maps a config name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", name)
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("compression(%d)", byte(c))
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Send writes msg to w as one frame.
// format is:
//
//	| length (8 bytes) | codec (1 byte) | payload (length bytes) |
//
// where payload is a serialized anypb.Any, compressed according to codec.
func Send(w io.Writer, msg proto.Message, compression Compression) error {
	payload, err := anypb.New(msg)
	if err != nil {
		return fmt.Errorf("wrapping message: %w", err)
	}
	data, err := proto.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	switch compression {
	case CompressionNone:
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return fmt.Errorf("zstd: %w", err)
		}
		data = enc.EncodeAll(data, nil)
	default:
		return fmt.Errorf("unknown compression %d", compression)
	}

	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}

	header := make([]byte, 9)
	binary.BigEndian.PutUint64(header, uint64(len(data)))
	header[8] = byte(compression)
	if _, err := w.Write(append(header, data...)); err != nil {
		return err
	}
	return nil
}

// Receive reads one frame from r and returns the decoded message together
// with the codec the peer used.
func Receive(r io.Reader) (proto.Message, Compression, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, CompressionNone, err
	}
	length := binary.BigEndian.Uint64(header)
	compression := Compression(header[8])
	if length > MaxFrameSize {
		return nil, compression, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, compression, err
	}

	switch compression {
	case CompressionNone:
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, compression, fmt.Errorf("zstd: %w", err)
		}
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, compression, fmt.Errorf("decompressing frame: %w", err)
		}
	default:
		return nil, compression, fmt.Errorf("unknown compression %d", compression)
	}

	payload := &anypb.Any{}
	if err := proto.Unmarshal(data, payload); err != nil {
		return nil, compression, fmt.Errorf("unmarshaling frame: %w", err)
	}
	msg, err := payload.UnmarshalNew()
	if err != nil {
		return nil, compression, fmt.Errorf("unknown message %s: %w", payload.GetTypeUrl(), err)
	}
	return msg, compression, nil
}
