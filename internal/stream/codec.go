package stream

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// Codec identifies how a stream's payload is stored on disk. The column
// values match spec §3's {None=0, Cab=1} enum exactly so the database
// layout is bit-compatible with the original.
type Codec int

const (
	CodecNone Codec = iota
	CodecCab
)

func (c Codec) String() string {
	if c == CodecCab {
		return "cab"
	}

	return "none"
}

// encode compresses data under codec, returning the bytes to store on disk.
//
// The real engine uses a single-file cabinet compressor, an external
// collaborator this module does not implement (spec §1). CodecCab instead
// wraps the standard library's DEFLATE implementation: it satisfies the
// same contract (reversible single-payload compression, selected by a
// size/compressibility heuristic) without inventing a fake dependency.
func encode(codec Codec, data []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecCab:
		var buf bytes.Buffer

		w, err := flate.NewWriter(&buf, flate.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("stream: creating compressor: %w", err)
		}

		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("stream: compressing payload: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("stream: closing compressor: %w", err)
		}

		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("stream: unknown codec %d", codec)
	}
}

// decode reverses encode.
func decode(codec Codec, raw []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return raw, nil
	case CodecCab:
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()

		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("stream: decompressing payload: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("stream: unknown codec %d", codec)
	}
}

// chooseCodec implements the "simple size/compressibility heuristic" named
// in spec §4.2: payloads at or above threshold are compressed; smaller
// payloads are stored verbatim, since DEFLATE's framing overhead would
// grow them instead. The chosen codec is only kept if it actually shrank
// the payload — otherwise the caller falls back to CodecNone.
func chooseCodec(data []byte, threshold int64) Codec {
	if int64(len(data)) < threshold {
		return CodecNone
	}

	return CodecCab
}
