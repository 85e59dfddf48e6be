package evidence

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

var (
	ErrIO             = errors.New("evidence read failed")
	ErrInvalidDataURI = errors.New("invalid data uri")
)

// IOError reports that the bytes of an evidence item could not be read.
type IOError struct {
	Name string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("read evidence %q: %v", e.Name, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// Evidence is one uploaded artifact in provider-agnostic form. The JSON encoding is the
// wire shape accepted by the HTTP API.
type Evidence struct {
	Name       string         `json:"name"`
	MIMEType   string         `json:"mimeType"`
	Payload    string         `json:"payload"`
	SizeBytes  int64          `json:"sizeBytes"`
	ModifiedAt time.Time      `json:"modifiedAt"`
	Metadata   *ImageMetadata `json:"imageMetadata,omitempty"`
}

// Base64 returns the payload without its data URI prefix.
func (e Evidence) Base64() string {
	_, data, ok := strings.Cut(e.Payload, ",")
	if !ok {
		return ""
	}
	return data
}

func (e Evidence) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(e.Base64())
	if err != nil {
		return nil, fmt.Errorf("decode payload of %q: %w", e.Name, err)
	}
	return data, nil
}

func (e Evidence) IsImage() bool {
	return strings.HasPrefix(e.MIMEType, "image/")
}

func isJPEG(mimeType string) bool {
	return mimeType == "image/jpeg" || mimeType == "image/jpg"
}

// Normalize reads r fully and builds an Evidence. An empty mimeType is sniffed from
// the content. JPEG metadata is parsed best-effort: a failure leaves Metadata nil.
func Normalize(name, mimeType string, r io.Reader, modifiedAt time.Time, logger *zap.Logger) (Evidence, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Evidence{}, &IOError{Name: name, Err: err}
	}
	return fromBytes(name, mimeType, data, modifiedAt, logger), nil
}

func fromBytes(name, mimeType string, data []byte, modifiedAt time.Time, logger *zap.Logger) Evidence {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}
	mimeType, _, _ = strings.Cut(mimeType, ";")

	ev := Evidence{
		Name:       name,
		MIMEType:   mimeType,
		Payload:    "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		SizeBytes:  int64(len(data)),
		ModifiedAt: modifiedAt,
	}
	if isJPEG(mimeType) {
		meta, err := ParseMetadata(data)
		if err != nil {
			logger.Debug("image metadata unavailable", zap.String("name", name), zap.Error(err))
		} else {
			ev.Metadata = &meta
		}
	}
	return ev
}

// NormalizeFile loads evidence from disk, sniffing its MIME type.
func NormalizeFile(path string, logger *zap.Logger) (Evidence, error) {
	name := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		return Evidence{}, &IOError{Name: name, Err: err}
	}
	f, err := os.Open(path)
	if err != nil {
		return Evidence{}, &IOError{Name: name, Err: err}
	}
	defer f.Close()
	return Normalize(name, "", f, info.ModTime(), logger)
}

// FromDataURI rebuilds evidence sent by clients that already hold a data URI.
// The declared size is replaced by the decoded length.
func FromDataURI(name, dataURI string, modifiedAt time.Time, logger *zap.Logger) (Evidence, error) {
	header, encoded, ok := strings.Cut(dataURI, ",")
	if !ok || !strings.HasPrefix(header, "data:") || !strings.HasSuffix(header, ";base64") {
		return Evidence{}, fmt.Errorf("%w: %q", ErrInvalidDataURI, name)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Evidence{}, fmt.Errorf("%w: %q: %v", ErrInvalidDataURI, name, err)
	}
	mimeType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	if logger == nil {
		logger = zap.NewNop()
	}
	return fromBytes(name, mimeType, data, modifiedAt, logger), nil
}
