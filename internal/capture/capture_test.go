package capture

import (
	"context"
	"errors"
	"testing"
)

// pngHeader is the smallest prefix mimetype recognises as image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestNewImageSniffsContentType(t *testing.T) {
	img, err := NewImage(pngHeader, "")
	if err != nil {
		t.Fatalf("expected image, got error: %v", err)
	}
	if img.ContentType != "image/png" {
		t.Fatalf("unexpected content type: %s", img.ContentType)
	}
	if img.Filename != "upload.png" {
		t.Fatalf("unexpected default filename: %s", img.Filename)
	}
}

func TestNewImageRejectsEmptyAndNonImage(t *testing.T) {
	if _, err := NewImage(nil, "a.jpg"); !errors.Is(err, ErrEmptyImage) {
		t.Fatalf("expected ErrEmptyImage, got %v", err)
	}
	if _, err := NewImage([]byte("hello world"), "a.txt"); !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
}

func TestStaticFrameRequiresStartedStream(t *testing.T) {
	ctx := context.Background()
	adapter := NewStaticFrame(pngHeader, "selfie.png")

	if _, err := adapter.CaptureFrame(ctx); !errors.Is(err, ErrStreamNotStarted) {
		t.Fatalf("expected ErrStreamNotStarted, got %v", err)
	}
	if err := adapter.StartStream(ctx); err != nil {
		t.Fatalf("start stream: %v", err)
	}
	img, err := adapter.CaptureFrame(ctx)
	if err != nil {
		t.Fatalf("capture frame: %v", err)
	}
	if img.Filename != "selfie.png" || img.Size() != len(pngHeader) {
		t.Fatalf("unexpected frame: %+v", img)
	}
}
