package attachment

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestEncode(t *testing.T) {
	data := pngBytes(t, 4, 4)

	enc := Encode(data)
	assert.Equal(t, "image/png", enc.MimeType)
	assert.True(t, enc.IsImage())
	assert.Equal(t, base64.StdEncoding.EncodeToString(data), enc.Base64)
	assert.Equal(t, enc, Encode(data), "encoding is deterministic")

	pdf := Encode([]byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n<<>>\nendobj\n"))
	assert.Equal(t, "application/pdf", pdf.MimeType)
	assert.False(t, pdf.IsImage())

	text := Encode([]byte("hello world"))
	assert.Equal(t, "text/plain", text.MimeType, "parameters are stripped")
}

func TestEncodeNamed(t *testing.T) {
	unknown := []byte{0x00, 0x01, 0x02, 0x03}
	assert.Equal(t, "application/octet-stream", Encode(unknown).MimeType)
	assert.Equal(t, "application/json", EncodeNamed("data.json", unknown).MimeType)
	assert.Equal(t, "application/octet-stream", EncodeNamed("blob", unknown).MimeType)
}

func TestRead(t *testing.T) {
	dir := t.TempDir()

	t.Run("reads and encodes", func(t *testing.T) {
		data := pngBytes(t, 2, 2)
		att, err := Read(writeFile(t, dir, "pic.png", data), 0)
		require.NoError(t, err)
		assert.Equal(t, "pic.png", att.Name)
		assert.Equal(t, int64(len(data)), att.Size)
		assert.Equal(t, "image/png", att.MimeType)

		raw, err := att.Decode()
		require.NoError(t, err)
		assert.Equal(t, data, raw)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Read(filepath.Join(dir, "nope"), 0)
		assert.ErrorIs(t, err, ErrAttachmentRead)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := Read(dir, 0)
		assert.ErrorIs(t, err, ErrAttachmentRead)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := Read(writeFile(t, dir, "big.bin", make([]byte, 64)), 32)
		assert.ErrorIs(t, err, ErrTooLarge)
	})
}

func TestPreview(t *testing.T) {
	dir := t.TempDir()

	t.Run("image gets a thumbnail file", func(t *testing.T) {
		att := &Attachment{Name: "big.png", Encoded: Encode(pngBytes(t, 800, 400))}
		h, err := NewPreview(att, dir)
		require.NoError(t, err)

		kind := h.Kind()
		require.Equal(t, KindImage, kind.Tag)
		img, err := png.Decode(mustOpen(t, kind.Ref))
		require.NoError(t, err)
		assert.LessOrEqual(t, img.Bounds().Dx(), thumbnailSize)

		require.NoError(t, h.Release())
		_, err = os.Stat(kind.Ref)
		assert.True(t, os.IsNotExist(err), "release deletes the thumbnail")
		assert.NoError(t, h.Release(), "second release is a no-op")
	})

	t.Run("undecodable image is kept as-is", func(t *testing.T) {
		att := &Attachment{Name: "x.webp", Encoded: Encoded{MimeType: "image/webp", Base64: base64.StdEncoding.EncodeToString([]byte("RIFFxxxxWEBP"))}}
		h, err := NewPreview(att, dir)
		require.NoError(t, err)
		defer h.Release()
		assert.Equal(t, ".webp", filepath.Ext(h.Kind().Ref))
	})

	t.Run("documents get a marker", func(t *testing.T) {
		att := &Attachment{Name: "report.pdf", Encoded: Encoded{MimeType: "application/pdf"}}
		h, err := NewPreview(att, dir)
		require.NoError(t, err)
		assert.Equal(t, Document("report.pdf"), h.Kind())
		assert.NoError(t, h.Release())
	})
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestStager(t *testing.T) {
	dir := t.TempDir()
	previews := t.TempDir()
	first := writeFile(t, dir, "a.png", pngBytes(t, 8, 8))
	second := writeFile(t, dir, "b.png", pngBytes(t, 8, 8))
	doc := writeFile(t, dir, "notes.pdf", []byte("%PDF-1.4\n"))

	countPreviews := func() int {
		entries, err := os.ReadDir(previews)
		require.NoError(t, err)
		return len(entries)
	}

	s := NewStager(0, previews)
	assert.Equal(t, 0, s.Live())

	kind, err := s.Stage(first)
	require.NoError(t, err)
	assert.Equal(t, KindImage, kind.Tag)
	assert.Equal(t, 1, s.Live())

	kind, err = s.Stage(second)
	require.NoError(t, err)
	assert.Equal(t, KindImage, kind.Tag)
	assert.Equal(t, 1, s.Live(), "restaging keeps a single handle")
	assert.Equal(t, 1, countPreviews(), "previous thumbnail released")

	_, err = s.Stage(filepath.Join(dir, "missing.png"))
	require.ErrorIs(t, err, ErrAttachmentRead)
	att, kind := s.Current()
	require.NotNil(t, att)
	assert.Equal(t, "b.png", att.Name, "read error leaves staging untouched")
	assert.Equal(t, KindImage, kind.Tag)

	taken, ok := s.Take()
	require.True(t, ok)
	assert.Equal(t, "b.png", taken.Name)
	assert.Equal(t, 0, s.Live())
	assert.Equal(t, 0, countPreviews())

	_, ok = s.Take()
	assert.False(t, ok)

	kind, err = s.Stage(doc)
	require.NoError(t, err)
	assert.Equal(t, Document("notes.pdf"), kind)
	assert.Equal(t, 1, s.Live())

	broken := &Attachment{Name: "broken.png", Encoded: Encoded{MimeType: "image/png", Base64: "!!!not base64"}}
	_, err = s.StageAttachment(broken)
	require.Error(t, err)
	att, kind = s.Current()
	require.NotNil(t, att)
	assert.Equal(t, "notes.pdf", att.Name, "failed preview leaves staging untouched")
	assert.Equal(t, Document("notes.pdf"), kind)
	assert.Equal(t, 1, s.Live())

	s.Clear()
	assert.Equal(t, 0, s.Live())
	att, kind = s.Current()
	assert.Nil(t, att)
	assert.Equal(t, None(), kind)
}
