package frames

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
)

func encodedPNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func encodedJPEG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// encodedPNGHeader returns a PNG holding only a signature and an IHDR chunk
// for a w x h 8-bit gray image. DecodeConfig accepts it; Decode does not.
func encodedPNGHeader(w, h uint32) string {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 0 // gray

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestValidator_PixelLimit(t *testing.T) {
	tests := []struct {
		name      string
		maxPixels int
		frame     func(t *testing.T) string
		wantErr   error
	}{
		{
			name:    "huge_dimensions_default_limit",
			frame:   func(*testing.T) string { return encodedPNGHeader(20000, 20000) },
			wantErr: ErrImageTooLarge,
		},
		{
			name:      "over_configured_limit",
			maxPixels: 100,
			frame:     func(t *testing.T) string { return encodedPNG(t, 20, 20) },
			wantErr:   ErrImageTooLarge,
		},
		{
			name:      "at_configured_limit",
			maxPixels: 400,
			frame:     func(t *testing.T) string { return encodedPNG(t, 20, 20) },
		},
		{
			name:    "header_only_within_limit",
			frame:   func(*testing.T) string { return encodedPNGHeader(16, 16) },
			wantErr: ErrUndecodableImage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(0, 0)
			if tt.maxPixels > 0 {
				v.MaxPixels = tt.maxPixels
			}

			res, err := v.Validate(envelope.FrameRGB, tt.frame(t))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 20, res.Width)
		})
	}

	t.Run("zero_limit_uses_default", func(t *testing.T) {
		v := &Validator{DepthWidth: 1, DepthHeight: 1}
		_, err := v.Validate(envelope.FrameRGB, encodedPNGHeader(DefaultMaxPixels+1, 1))
		assert.ErrorIs(t, err, ErrImageTooLarge)
	})
}

func TestValidator_RGB(t *testing.T) {
	v := NewValidator(0, 0)

	t.Run("png", func(t *testing.T) {
		res, err := v.Validate(envelope.FrameRGB, encodedPNG(t, 4, 3))
		require.NoError(t, err)
		assert.Equal(t, "png", res.Format)
		assert.Equal(t, 4, res.Width)
		assert.Equal(t, 3, res.Height)
	})

	t.Run("jpeg", func(t *testing.T) {
		res, err := v.Validate(envelope.FrameRGB, encodedJPEG(t, 8, 8))
		require.NoError(t, err)
		assert.Equal(t, "jpeg", res.Format)
	})

	t.Run("not_an_image", func(t *testing.T) {
		_, err := v.Validate(envelope.FrameRGB, base64.StdEncoding.EncodeToString([]byte("hello world")))
		assert.ErrorIs(t, err, ErrUndecodableImage)
	})
}

func TestValidator_Depth(t *testing.T) {
	v := NewValidator(4, 2)

	t.Run("exact_size", func(t *testing.T) {
		res, err := v.Validate(envelope.FrameDepth, base64.StdEncoding.EncodeToString(make([]byte, 4*2*2)))
		require.NoError(t, err)
		assert.Equal(t, 16, res.Bytes)
		assert.Equal(t, 4, res.Width)
	})

	t.Run("short", func(t *testing.T) {
		_, err := v.Validate(envelope.FrameDepth, base64.StdEncoding.EncodeToString(make([]byte, 15)))
		assert.ErrorIs(t, err, ErrDepthSize)
	})

	t.Run("default_dimensions", func(t *testing.T) {
		d := NewValidator(0, 0)
		_, err := d.Validate(envelope.FrameDepth, base64.StdEncoding.EncodeToString(make([]byte, 640*480*2)))
		assert.NoError(t, err)
	})
}

func TestValidator_Errors(t *testing.T) {
	v := NewValidator(0, 0)

	_, err := v.Validate(envelope.FrameRGB, "!!! not base64 !!!")
	assert.ErrorIs(t, err, ErrInvalidBase64)

	_, err = v.Validate("infrared", base64.StdEncoding.EncodeToString([]byte{1, 2}))
	assert.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestValidator_UnpaddedBase64(t *testing.T) {
	v := NewValidator(1, 1)

	// Two bytes encode to three characters plus one padding character
	res, err := v.Validate(envelope.FrameDepth, base64.RawStdEncoding.EncodeToString([]byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Bytes)
}
