package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/seal"
	"github.com/BrandonDHaskell/campusgate/server/internal/campus/wire"
)

// maxRequestBody caps scanner messages (access, heartbeat, bundle request)
// in both protobuf and JSON form.
const maxRequestBody = 4096

// maxSyncBody caps an offline sync upload after decompression. A scanner
// that has been offline for a full bundle lifetime may hold a few thousand
// events.
const maxSyncBody = 8 << 20

// Sealed responses carry the plaintext's media type and encoding here.
const (
	headerSealedType     = "X-Sealed-Content-Type"
	headerSealedEncoding = "X-Sealed-Content-Encoding"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("httpapi: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSyncBody))
	if err != nil {
		panic("httpapi: zstd decoder initialization failed: " + err.Error())
	}
}

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload.
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == wire.ContentType ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

// wantsProtobuf reports whether the client asked for a protobuf response,
// either by sending protobuf or through Accept.
func wantsProtobuf(r *http.Request) bool {
	return isProtobuf(r) || strings.Contains(r.Header.Get("Accept"), wire.ContentType)
}

func acceptsZstd(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(strings.SplitN(enc, ";", 2)[0]) == "zstd" {
			return true
		}
	}
	return false
}

// readBody reads a size-limited body, undoing zstd content encoding.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if r.Header.Get("Content-Encoding") == "zstd" {
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, nil
}

// writeProto writes an encoded protobuf message with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", wire.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writePayload writes a bundle-sized body. It is zstd-compressed when the
// client accepts it, then sealed to recipient when one is given.
func writePayload(w http.ResponseWriter, r *http.Request, contentType string, data []byte, recipient string) error {
	encoding := ""
	if acceptsZstd(r) {
		data = zstdEncoder.EncodeAll(data, nil)
		encoding = "zstd"
	}

	if recipient != "" {
		sealed, err := seal.Seal(data, recipient)
		if err != nil {
			return err
		}
		w.Header().Set(headerSealedType, contentType)
		if encoding != "" {
			w.Header().Set(headerSealedEncoding, encoding)
		}
		data, contentType, encoding = sealed, seal.ContentType, ""
	}

	w.Header().Set("Content-Type", contentType)
	if encoding != "" {
		w.Header().Set("Content-Encoding", encoding)
	}
	w.WriteHeader(http.StatusOK)
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}
