// Package capture describes the media capture capability the workflow
// consumes and the image payloads it produces.
package capture

import (
	"context"
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrEmptyImage is returned when a payload carries no bytes.
	ErrEmptyImage = errors.New("image payload is empty")
	// ErrNotImage is returned when the payload bytes are not a recognised image format.
	ErrNotImage = errors.New("payload is not an image")
	// ErrStreamNotStarted is returned by CaptureFrame before StartStream succeeded.
	ErrStreamNotStarted = errors.New("capture stream not started")
)

// Image is a locally held image payload.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
}

// NewImage wraps raw bytes, sniffing the content type from the payload.
func NewImage(data []byte, filename string) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, ErrNotImage
	}
	if filename == "" {
		filename = "upload" + mtype.Extension()
	}
	return &Image{Data: data, Filename: filename, ContentType: mtype.String()}, nil
}

// Size returns the payload length in bytes.
func (i *Image) Size() int {
	if i == nil {
		return 0
	}
	return len(i.Data)
}

// Adapter exposes a live video source that can be sampled into a still image.
type Adapter interface {
	StartStream(ctx context.Context) error
	CaptureFrame(ctx context.Context) (*Image, error)
}
