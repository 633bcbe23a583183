// Package frames validates camera frames carried by stream_frame envelopes.
//
// An rgb frame must be an encoded image in a format the standard library or
// golang.org/x/image can decode. A depth frame is raw little-endian uint16
// samples and must hold exactly width*height of them.
//
// An rgb frame's header is read before its pixels, so a small compressed
// image that claims huge dimensions is rejected without being decoded.
package frames

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
)

const (
	// DefaultDepthWidth and DefaultDepthHeight match a 640x480 z16 depth stream
	DefaultDepthWidth  = 640
	DefaultDepthHeight = 480

	// DefaultMaxPixels caps rgb frames at 4096x4096
	DefaultMaxPixels = 4096 * 4096

	bytesPerDepthSample = 2
)

var (
	ErrInvalidBase64    = errors.New("frame data is not valid base64")
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrUndecodableImage = errors.New("rgb frame is not a decodable image")
	ErrDepthSize        = errors.New("depth frame has the wrong size")
	ErrImageTooLarge    = errors.New("rgb frame exceeds the pixel limit")
)

// Validator checks stream_frame payloads
type Validator struct {
	DepthWidth  int
	DepthHeight int
	// MaxPixels bounds width*height of an rgb frame. Zero means DefaultMaxPixels.
	MaxPixels int
}

// NewValidator returns a validator for depth frames of the given dimensions.
// Non-positive dimensions fall back to 640x480.
func NewValidator(depthWidth, depthHeight int) *Validator {
	if depthWidth <= 0 {
		depthWidth = DefaultDepthWidth
	}
	if depthHeight <= 0 {
		depthHeight = DefaultDepthHeight
	}
	return &Validator{DepthWidth: depthWidth, DepthHeight: depthHeight, MaxPixels: DefaultMaxPixels}
}

func (v *Validator) maxPixels() int {
	if v.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return v.MaxPixels
}

// Result describes a frame that passed validation
type Result struct {
	FrameType string
	// Format is the image format for rgb frames, empty for depth
	Format string
	Width  int
	Height int
	Bytes  int
}

// Validate decodes encoded and checks it against frameType.
func (v *Validator) Validate(frameType, encoded string) (Result, error) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return Result{}, err
	}

	switch frameType {
	case envelope.FrameRGB:
		cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUndecodableImage, err)
		}
		// width*height can overflow int on 32-bit platforms
		if int64(cfg.Width)*int64(cfg.Height) > int64(v.maxPixels()) {
			return Result{}, fmt.Errorf("%w: %dx%d, limit %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, v.maxPixels())
		}
		img, format, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrUndecodableImage, err)
		}
		bounds := img.Bounds()
		return Result{
			FrameType: frameType,
			Format:    format,
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
			Bytes:     len(raw),
		}, nil

	case envelope.FrameDepth:
		want := v.DepthWidth * v.DepthHeight * bytesPerDepthSample
		if len(raw) != want {
			return Result{}, fmt.Errorf("%w: got %d bytes, want %d (%dx%d uint16)", ErrDepthSize, len(raw), want, v.DepthWidth, v.DepthHeight)
		}
		return Result{
			FrameType: frameType,
			Width:     v.DepthWidth,
			Height:    v.DepthHeight,
			Bytes:     len(raw),
		}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFrameType, frameType)
	}
}

func decodeBase64(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err == nil {
		return raw, nil
	}
	// Some producers strip padding
	if raw, rawErr := base64.RawStdEncoding.DecodeString(encoded); rawErr == nil {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
}
