package attachment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxBytes is the largest file accepted for staging.
const DefaultMaxBytes int64 = 20 << 20

const octetStream = "application/octet-stream"

var (
	// ErrAttachmentRead wraps failures reading the attachment source.
	ErrAttachmentRead = errors.New("failed to read attachment")
	// ErrTooLarge is returned for files above the configured maximum.
	ErrTooLarge = errors.New("attachment too large")
)

// Encoded is an attachment ready to travel inline with a turn.
type Encoded struct {
	MimeType string `json:"mimeType"`
	Base64   string `json:"data"`
}

// IsImage reports whether the payload is an image.
func (e Encoded) IsImage() bool {
	return strings.HasPrefix(e.MimeType, "image/")
}

// Encode sniffs the mime type of data and base64-encodes it. The result
// depends only on the bytes.
func Encode(data []byte) Encoded {
	return Encoded{
		MimeType: sniff(data),
		Base64:   base64.StdEncoding.EncodeToString(data),
	}
}

// EncodeNamed is Encode with a filename-extension fallback for content the
// sniffer cannot identify.
func EncodeNamed(name string, data []byte) Encoded {
	enc := Encode(data)
	if enc.MimeType == octetStream {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			enc.MimeType = stripParams(byExt)
		}
	}
	return enc
}

// Attachment is a file read for staging.
type Attachment struct {
	Name string
	Size int64
	Encoded
}

// Decode returns the raw bytes of the attachment.
func (a *Attachment) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(a.Base64)
}

// Read loads path for staging. Files larger than maxSize are refused; a
// non-positive maxSize selects DefaultMaxBytes.
func Read(path string, maxSize int64) (*Attachment, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentRead, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentRead, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrAttachmentRead, path)
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, info.Size(), maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAttachmentRead, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: file grew past %d bytes", ErrTooLarge, maxSize)
	}

	name := filepath.Base(path)
	return &Attachment{
		Name:    name,
		Size:    int64(len(data)),
		Encoded: EncodeNamed(name, data),
	}, nil
}

func sniff(data []byte) string {
	if len(data) == 0 {
		return octetStream
	}
	return stripParams(mimetype.Detect(data).String())
}

func stripParams(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.TrimSpace(base)
}
