package preview

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestGenerateFitsWithinBounds(t *testing.T) {
	src := encodePNG(t, 800, 400)

	data, format, err := Generate(src, 300)
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	thumb, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	bounds := thumb.Bounds()
	assert.LessOrEqual(t, bounds.Dx(), 300)
	assert.LessOrEqual(t, bounds.Dy(), 300)
	// Aspect ratio is preserved.
	assert.Equal(t, 300, bounds.Dx())
	assert.Equal(t, 150, bounds.Dy())
}

func TestGenerateSmallImageNotUpscaled(t *testing.T) {
	src := encodePNG(t, 40, 20)

	data, _, err := Generate(src, 300)
	require.NoError(t, err)

	thumb, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 40, thumb.Bounds().Dx())
	assert.Equal(t, 20, thumb.Bounds().Dy())
}

func TestGenerateRejectsGarbage(t *testing.T) {
	_, _, err := Generate([]byte("definitely not an image"), 300)
	assert.Error(t, err)
}

func TestGenerateReportsJPEGFormat(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	_, format, err := Generate(buf.Bytes(), 300)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "abc123_preview.jpg", Key("abc123"))
}

func TestFormatMatches(t *testing.T) {
	assert.True(t, FormatMatches("jpeg", "image/jpeg"))
	assert.True(t, FormatMatches("png", "image/png"))
	assert.False(t, FormatMatches("png", "image/jpeg"))
	assert.False(t, FormatMatches("jpeg", "image/png"))
	assert.False(t, FormatMatches("gif", "image/gif"))
}
