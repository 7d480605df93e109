package thumbnail

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.NRGBA{G: 200, A: 128})
	}
	path := filepath.Join(dir, "src.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return path
}

func decodeSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open thumbnail: %v", err)
	}
	defer f.Close()
	cfg, err := jpeg.DecodeConfig(f)
	if err != nil {
		t.Fatalf("thumbnail is not a jpeg: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestDeriveImageScalesDown(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, 600, 300)
	dest := filepath.Join(dir, "thumbs", "thumb_src.jpg")
	d := NewDeriver(0, 0, "", 0, 0)

	got, err := d.Derive(context.Background(), src, dest, "image/png")
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if got != dest {
		t.Fatalf("Derive() = %q, want %q", got, dest)
	}
	if w, h := decodeSize(t, dest); w != 300 || h != 150 {
		t.Fatalf("thumbnail size = %dx%d, want 300x150", w, h)
	}
}

func TestDeriveImageDoesNotEnlarge(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, 120, 80)
	dest := filepath.Join(dir, "thumb.jpg")
	if _, err := NewDeriver(300, 80, "", 0, 1).Derive(context.Background(), src, dest, "image/png"); err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if w, h := decodeSize(t, dest); w != 120 || h != 80 {
		t.Fatalf("thumbnail size = %dx%d, want 120x80", w, h)
	}
}

func TestDeriveSkipsUnsupported(t *testing.T) {
	dir := t.TempDir()
	d := NewDeriver(300, 80, filepath.Join(dir, "no-ffmpeg-here"), 0, 1)

	got, err := d.Derive(context.Background(), "doc.pdf", filepath.Join(dir, "x.jpg"), "application/pdf")
	if got != "" || err != nil {
		t.Fatalf("Derive(pdf) = %q, %v, want empty", got, err)
	}
	if d.FFmpegAvailable() {
		t.Fatalf("FFmpegAvailable() = true for a missing binary")
	}
	got, err = d.Derive(context.Background(), "clip.mp4", filepath.Join(dir, "v.jpg"), "video/mp4")
	if got != "" || err != nil {
		t.Fatalf("Derive(video) without ffmpeg = %q, %v, want empty", got, err)
	}
}

func TestDeriveCorruptImage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(src, []byte("nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := NewDeriver(0, 0, "", 0, 0).Derive(context.Background(), src, filepath.Join(dir, "t.jpg"), "image/jpeg")
	if got != "" || err == nil {
		t.Fatalf("Derive(corrupt) = %q, %v, want error", got, err)
	}
}

// writeHugePNGHeader writes a PNG that declares width x height pixels but
// carries no image data.
func writeHugePNGHeader(t *testing.T, dir string, width, height uint32) string {
	t.Helper()
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], width)
	binary.BigEndian.PutUint32(ihdr[4:8], height)
	ihdr[8] = 8 // bit depth
	ihdr[9] = 2 // truecolor
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	path := filepath.Join(dir, "huge.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDeriveRejectsOversizedImage(t *testing.T) {
	dir := t.TempDir()
	src := writeHugePNGHeader(t, dir, 100000, 100000)
	got, err := NewDeriver(0, 0, "", 0, 0).Derive(context.Background(), src, filepath.Join(dir, "t.jpg"), "image/png")
	if got != "" || !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("Derive(huge) = %q, %v, want ErrImageTooLarge", got, err)
	}

	small := writePNG(t, dir, 20, 20)
	d := NewDeriver(0, 0, "", 0, 0)
	d.MaxPixels = 100
	if _, err := d.Derive(context.Background(), small, filepath.Join(dir, "s.jpg"), "image/png"); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("Derive() over MaxPixels = %v, want ErrImageTooLarge", err)
	}
	d.MaxPixels = 400
	if _, err := d.Derive(context.Background(), small, filepath.Join(dir, "s.jpg"), "image/png"); err != nil {
		t.Fatalf("Derive() at MaxPixels = %v", err)
	}
}

func TestBatchKeepsOrderAndAbsorbsFailures(t *testing.T) {
	dir := t.TempDir()
	src := writePNG(t, dir, 400, 400)
	items := []Item{
		{Source: src, Dest: filepath.Join(dir, "a.jpg"), MimeType: "image/png"},
		{Source: filepath.Join(dir, "missing.png"), Dest: filepath.Join(dir, "b.jpg"), MimeType: "image/png"},
		{Source: src, Dest: filepath.Join(dir, "c.jpg"), MimeType: "audio/ogg"},
		{Source: src, Dest: filepath.Join(dir, "d.jpg"), MimeType: "image/png"},
	}
	results := NewDeriver(0, 0, "", 0, 2).Batch(context.Background(), items)
	if len(results) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(items))
	}
	want := []bool{true, false, false, true}
	for i, r := range results {
		if r.Item != items[i] {
			t.Fatalf("results[%d] is for %+v, want %+v", i, r.Item, items[i])
		}
		if r.OK() != want[i] {
			t.Fatalf("results[%d].OK() = %v, want %v (err %v)", i, r.OK(), want[i], r.Err)
		}
	}
	if results[1].Err == nil {
		t.Fatalf("missing source should report an error")
	}
}
