package evidence

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
)

var ErrNoMetadata = errors.New("no usable image metadata")

// ImageMetadata holds the camera fields shown next to a photo. Values are display strings.
type ImageMetadata struct {
	Make         string `json:"make,omitempty"`
	Model        string `json:"model,omitempty"`
	CapturedAt   string `json:"dateTime,omitempty"`
	FNumber      string `json:"fNumber,omitempty"`
	ExposureTime string `json:"exposureTime,omitempty"`
	ISO          string `json:"iso,omitempty"`
}

func (m ImageMetadata) empty() bool {
	return m == ImageMetadata{}
}

// ParseMetadata extracts camera metadata from JPEG bytes.
func ParseMetadata(data []byte) (ImageMetadata, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return ImageMetadata{}, fmt.Errorf("decode exif: %w", err)
	}

	meta := ImageMetadata{
		Make:       stringTag(x, exif.Make),
		Model:      stringTag(x, exif.Model),
		CapturedAt: stringTag(x, exif.DateTimeOriginal),
	}
	if num, den, ok := ratTag(x, exif.FNumber); ok {
		meta.FNumber = fmt.Sprintf("f/%.1f", float64(num)/float64(den))
	}
	if num, den, ok := ratTag(x, exif.ExposureTime); ok && num > 0 {
		if num >= den {
			meta.ExposureTime = strconv.FormatFloat(float64(num)/float64(den), 'f', -1, 64)
		} else {
			meta.ExposureTime = fmt.Sprintf("1/%d", int64(math.Round(float64(den)/float64(num))))
		}
	}
	if tag, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if iso, err := tag.Int(0); err == nil {
			meta.ISO = strconv.Itoa(iso)
		}
	}
	if meta.empty() {
		return ImageMetadata{}, ErrNoMetadata
	}
	return meta, nil
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

func ratTag(x *exif.Exif, name exif.FieldName) (int64, int64, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, 0, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0, 0, false
	}
	return num, den, true
}
