package imageproc

import (
	"bytes"

	"github.com/disintegration/imaging"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/errors"
)

// Transformer turns source bytes into output bytes and the output file extension
type Transformer interface {
	Transform(data []byte) ([]byte, string, error)
}

// JPEGTransformer re-encodes any decodable image as a JPEG
type JPEGTransformer struct {
	Quality  int // 1-100
	MaxWidth int // 0 keeps the source width
}

// NewJPEGTransformer creates a transformer from the transform section
func NewJPEGTransformer(cfg am.TransformConfig) *JPEGTransformer {
	return &JPEGTransformer{Quality: cfg.JPEGQuality, MaxWidth: cfg.MaxWidth}
}

// Transform decodes data honouring EXIF orientation, optionally shrinks it to
// MaxWidth and encodes it at Quality.
func (t *JPEGTransformer) Transform(data []byte) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to decode image")
	}

	if t.MaxWidth > 0 && img.Bounds().Dx() > t.MaxWidth {
		img = imaging.Resize(img, t.MaxWidth, 0, imaging.Lanczos)
	}

	quality := t.Quality
	if quality < 1 || quality > 100 {
		quality = 50
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", errors.Wrap(err, "failed to encode jpeg")
	}
	return buf.Bytes(), ".jpg", nil
}
