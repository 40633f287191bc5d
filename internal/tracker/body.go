package tracker

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/mafredri/cdp/protocol/network"
)

// ErrGzipDecode is returned when a gzip body decodes to nothing.
var ErrGzipDecode = errors.New("gzip decoding failed")

// DecodedBody returns the response body as CDP expects it. Non-gzip bodies are
// returned as received, images as base64. A body that claims gzip but does
// not decompress is returned raw.
func (r *Request) DecodedBody() (body string, base64Encoded bool, err error) {
	raw := r.Body()
	if !r.HasGzipEncoding() {
		return string(raw), false, nil
	}
	if r.Type() == network.ResourceTypeImage {
		return base64.StdEncoding.EncodeToString(raw), true, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), false, nil
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return string(raw), false, nil
	}
	if len(out) == 0 {
		return "", false, ErrGzipDecode
	}
	return string(out), false, nil
}
