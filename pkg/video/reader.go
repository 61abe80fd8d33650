// Package video fetches the processing server's MJPEG camera feeds and
// relays their frames to the dashboard.
package video

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// MaxFrameSize bounds a single JPEG part.
const MaxFrameSize = 8 << 20

// ErrNotMJPEG is returned for responses that are not a multipart stream.
var ErrNotMJPEG = errors.New("video: not an MJPEG stream")

// Reader splits a multipart/x-mixed-replace body into JPEG frames.
type Reader struct {
	body io.ReadCloser
	mr   *multipart.Reader
}

// NewReader wraps body, whose Content-Type header is contentType.
func NewReader(body io.ReadCloser, contentType string) (*Reader, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMJPEG, err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("%w: content type %q", ErrNotMJPEG, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: no boundary", ErrNotMJPEG)
	}

	return &Reader{
		body: body,
		mr:   multipart.NewReader(body, strings.TrimPrefix(boundary, "--")),
	}, nil
}

// NextFrame returns the next non-empty frame. io.EOF ends the stream.
func (r *Reader) NextFrame() ([]byte, error) {
	for {
		part, err := r.mr.NextPart()
		if err != nil {
			return nil, err
		}

		frame, err := io.ReadAll(io.LimitReader(part, MaxFrameSize+1))
		part.Close()
		if err != nil {
			return nil, fmt.Errorf("video: reading frame: %w", err)
		}
		if len(frame) > MaxFrameSize {
			return nil, fmt.Errorf("video: frame exceeds %d bytes", MaxFrameSize)
		}
		if len(frame) == 0 {
			continue
		}
		return frame, nil
	}
}

// Close closes the underlying body.
func (r *Reader) Close() error {
	return r.body.Close()
}
