package wiremessage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// CompressorID identifies an OP_COMPRESSED payload compressor.
type CompressorID uint8

// Negotiable compressor ids, in the order the teacher corpus advertises
// them in a hello handshake's "compression" array.
const (
	CompressorNoOp  CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZLib  CompressorID = 2
	CompressorZstd  CompressorID = 3
)

// String returns the wire name used in the hello handshake's compression
// array.
func (id CompressorID) String() string {
	switch id {
	case CompressorSnappy:
		return "snappy"
	case CompressorZLib:
		return "zlib"
	case CompressorZstd:
		return "zstd"
	default:
		return "noop"
	}
}

// CompressorIDFromString maps a handshake compression name back to its id.
func CompressorIDFromString(name string) (CompressorID, bool) {
	switch name {
	case "snappy":
		return CompressorSnappy, true
	case "zlib":
		return CompressorZLib, true
	case "zstd":
		return CompressorZstd, true
	default:
		return CompressorNoOp, false
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// CompressMessage compresses an encoded wire message body (everything past
// the original header) using the named compressor, for wrapping in an
// OP_COMPRESSED envelope. zlibLevel is only consulted for CompressorZLib.
func CompressMessage(body []byte, id CompressorID, zlibLevel int) ([]byte, error) {
	switch id {
	case CompressorNoOp:
		return body, nil
	case CompressorSnappy:
		return snappy.Encode(nil, body), nil
	case CompressorZLib:
		var buf bytes.Buffer
		if zlibLevel == 0 {
			zlibLevel = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, zlibLevel)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		return zstdEncoder.EncodeAll(body, nil), nil
	default:
		return nil, fmt.Errorf("unknown compressor id %d", id)
	}
}

// DecompressMessage reverses CompressMessage, given the original
// (uncompressed) size declared in the OP_COMPRESSED envelope.
func DecompressMessage(compressed []byte, id CompressorID, uncompressedSize int32) ([]byte, error) {
	switch id {
	case CompressorNoOp:
		return compressed, nil
	case CompressorSnappy:
		out := make([]byte, uncompressedSize)
		return snappy.Decode(out, compressed)
	case CompressorZLib:
		r, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		out := make([]byte, uncompressedSize)
		if _, err := io.ReadFull(r, out); err != nil && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		return out, nil
	case CompressorZstd:
		return zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
	default:
		return nil, fmt.Errorf("unknown compressor id %d", id)
	}
}

// AppendCompressedHeader appends the OP_COMPRESSED-specific fields
// (originalOpCode, uncompressedSize, compressorID) that follow the common
// 16-byte message header.
func AppendCompressedHeader(dst []byte, originalOpCode OpCode, uncompressedSize int32, id CompressorID) []byte {
	dst = appendi32(dst, int32(originalOpCode))
	dst = appendi32(dst, uncompressedSize)
	return append(dst, byte(id))
}

// ReadCompressedHeader reads the OP_COMPRESSED-specific fields that follow
// the common message header.
func ReadCompressedHeader(src []byte) (originalOpCode OpCode, uncompressedSize int32, id CompressorID, rem []byte, ok bool) {
	var code int32
	code, rem, ok = readi32(src)
	if !ok {
		return
	}
	originalOpCode = OpCode(code)
	uncompressedSize, rem, ok = readi32(rem)
	if !ok {
		return
	}
	if len(rem) < 1 {
		ok = false
		return
	}
	id = CompressorID(rem[0])
	rem = rem[1:]
	ok = true
	return
}
