package attachment

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/disintegration/imaging"
)

const thumbnailSize = 256

// KindTag discriminates Kind.
type KindTag int

const (
	KindNone KindTag = iota
	KindImage
	KindDocument
)

// Kind describes what the user sees for a staged attachment: an image view
// reference, a document marker with its name, or nothing.
type Kind struct {
	Tag  KindTag
	Ref  string
	Name string
}

// Image is the kind of an image attachment; ref locates the preview.
func Image(ref string) Kind { return Kind{Tag: KindImage, Ref: ref} }

// Document is the kind of a non-image attachment.
func Document(name string) Kind { return Kind{Tag: KindDocument, Name: name} }

// None is the kind when nothing is staged.
func None() Kind { return Kind{} }

func (k Kind) String() string {
	switch k.Tag {
	case KindImage:
		return "image:" + k.Ref
	case KindDocument:
		return "document:" + k.Name
	default:
		return "none"
	}
}

// PreviewHandle is a revocable view of a staged attachment. Image handles
// own a thumbnail file that Release deletes.
type PreviewHandle struct {
	kind Kind
	path string
	once sync.Once
}

// NewPreview derives the preview of att. Image thumbnails are written to
// dir; other mime types get a Document marker and hold no resources.
func NewPreview(att *Attachment, dir string) (*PreviewHandle, error) {
	if !att.IsImage() {
		return &PreviewHandle{kind: Document(att.Name)}, nil
	}

	raw, err := att.Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}

	if dir == "" {
		dir = os.TempDir()
	}

	img, decodeErr := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	ext := ".png"
	if decodeErr != nil {
		// Formats imaging cannot decode are previewed as-is.
		ext = extensionFor(att.MimeType)
	}

	f, err := os.CreateTemp(dir, "yunzhi-preview-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create preview file: %w", err)
	}
	path := f.Name()

	if decodeErr == nil {
		err = imaging.Encode(f, imaging.Fit(img, thumbnailSize, thumbnailSize, imaging.Lanczos), imaging.PNG)
	} else {
		_, err = f.Write(raw)
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write preview: %w", err)
	}

	return &PreviewHandle{kind: Image(path), path: path}, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".img"
	}
}

// Kind returns what the handle shows.
func (h *PreviewHandle) Kind() Kind { return h.kind }

// Release revokes the view. Calling it again is a no-op.
func (h *PreviewHandle) Release() error {
	var err error
	h.once.Do(func() {
		if h.path != "" {
			if rmErr := os.Remove(h.path); rmErr != nil && !os.IsNotExist(rmErr) {
				err = fmt.Errorf("failed to remove preview: %w", rmErr)
			}
		}
	})
	return err
}
