// Package wire is the compact protobuf encoding of the messages scanners
// exchange with the server. Messages are written field by field with
// protowire; there is no generated code, so field numbers here are the
// schema and must never be reused.
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ContentType is the media type of every message in this package.
const ContentType = "application/x-protobuf"

var ErrMalformed = errors.New("wire: malformed message")

func parseErr(n int) error {
	return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
}

func typeErr(num protowire.Number, typ protowire.Type) error {
	return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
}

// fieldFunc decodes one field value from b and returns the bytes it
// consumed. Returning skip leaves the field to the generic skipper.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

const skip = -1

// each walks the fields of one message. Unknown fields are skipped so older
// scanners can talk to newer servers.
func each(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseErr(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skip {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return parseErr(m)
			}
		}
		b = b[m:]
	}
	return nil
}

// ── Readers ──────────────────────────────────────────────────────────────────

func readBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, typeErr(num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, parseErr(n)
	}
	return v, n, nil
}

func readString(num protowire.Number, typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := readBytes(num, typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func readVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, typeErr(num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, parseErr(n)
	}
	return v, n, nil
}

func readBool(num protowire.Number, typ protowire.Type, b []byte, dst *bool) (int, error) {
	v, n, err := readVarint(num, typ, b)
	if err != nil {
		return 0, err
	}
	*dst = protowire.DecodeBool(v)
	return n, nil
}

func readInt(num protowire.Number, typ protowire.Type, b []byte, dst *int) (int, error) {
	v, n, err := readVarint(num, typ, b)
	if err != nil {
		return 0, err
	}
	*dst = int(int64(v))
	return n, nil
}

// readTime reads a Unix millisecond timestamp.
func readTime(num protowire.Number, typ protowire.Type, b []byte, dst *time.Time) (int, error) {
	v, n, err := readVarint(num, typ, b)
	if err != nil {
		return 0, err
	}
	*dst = time.UnixMilli(int64(v)).UTC()
	return n, nil
}

// ── Writers ──────────────────────────────────────────────────────────────────
// Zero values are omitted, as proto3 does.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage writes an embedded message, even an empty one, so repeated
// fields keep their element count.
func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendInt(b, num, t.UnixMilli())
}
