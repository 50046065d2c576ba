package tile

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the tile block codec.
type Compression uint8

const (
	// CompressionNone stores tiles raw.
	CompressionNone Compression = 0
	// CompressionLZ4 favors decode speed, the right default for tiles
	// fetched every epoch.
	CompressionLZ4 Compression = 1
	// CompressionZSTD favors ratio, for tiles spilled to remote storage.
	CompressionZSTD Compression = 2
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compress frames the payload as [codec byte][uncompressed size
// uint32][data].
func compress(c Compression, payload []byte) ([]byte, error) {
	hdr := make([]byte, 5)
	hdr[0] = byte(c)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	switch c {
	case CompressionNone:
		return append(hdr, payload...), nil
	case CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(payload)))
		n, err := lz4.CompressBlock(payload, dst, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible; store raw.
			hdr[0] = byte(CompressionNone)
			return append(hdr, payload...), nil
		}
		return append(hdr, dst[:n]...), nil
	case CompressionZSTD:
		enc := getZstdEncoder()
		out := enc.EncodeAll(payload, hdr)
		zstdEncoderPool.Put(enc)
		return out, nil
	default:
		return nil, fmt.Errorf("tile: unknown compression %d", c)
	}
}

func decompress(raw []byte) ([]byte, error) {
	if len(raw) < 5 {
		return nil, fmt.Errorf("tile: short compressed block")
	}
	c := Compression(raw[0])
	size := binary.LittleEndian.Uint32(raw[1:])
	body := raw[5:]
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionLZ4:
		out := make([]byte, size)
		if _, err := lz4.UncompressBlock(body, out); err != nil {
			return nil, err
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		zstdDecoderPool.Put(dec)
		return out, err
	default:
		return nil, fmt.Errorf("tile: unknown compression %d", c)
	}
}
