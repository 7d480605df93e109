package archive

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

func TestExtractAndLocateFiles(t *testing.T) {
	archivePath := writeZip(t, map[string]string{
		"WhatsApp Chat with Karim.txt":   strings.Repeat("1/2/23, 10:00 - Karim: hi\n", 20),
		"notes.txt":                      "stray",
		"IMG-20230101-WA0005.jpg":        "jpeg-bytes",
		"media/PTT-20230101-WA0001.opus": "opus-bytes",
		"readme.md":                      "ignored",
	})
	dest := filepath.Join(t.TempDir(), "scratch", "job-1")
	ex := &Extractor{}

	if err := ex.Extract(archivePath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	transcript, err := ex.FindTranscript(dest)
	if err != nil {
		t.Fatalf("FindTranscript() error = %v", err)
	}
	if filepath.Base(transcript) != "WhatsApp Chat with Karim.txt" {
		t.Fatalf("transcript = %q, want the largest .txt file", transcript)
	}
	media, err := ex.FindMediaFiles(dest)
	if err != nil {
		t.Fatalf("FindMediaFiles() error = %v", err)
	}
	if len(media) != 2 {
		t.Fatalf("len(media) = %d, want 2: %v", len(media), media)
	}
	if filepath.Base(media[0]) != "IMG-20230101-WA0005.jpg" || filepath.Base(media[1]) != "PTT-20230101-WA0001.opus" {
		t.Fatalf("unexpected media list %v", media)
	}
	size, err := ex.DirSize(dest)
	if err != nil {
		t.Fatalf("DirSize() error = %v", err)
	}
	if size <= 0 {
		t.Fatalf("DirSize() = %d, want > 0", size)
	}

	if err := ex.Cleanup(dest); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("scratch dir still exists after cleanup: %v", err)
	}
}

func TestFindTranscriptMissing(t *testing.T) {
	archivePath := writeZip(t, map[string]string{"IMG-1.jpg": "x"})
	dest := t.TempDir()
	ex := &Extractor{}
	if err := ex.Extract(archivePath, dest); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if _, err := ex.FindTranscript(dest); !errors.Is(err, ErrNoTranscript) {
		t.Fatalf("FindTranscript() error = %v, want ErrNoTranscript", err)
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.zip")
	if err := os.WriteFile(path, []byte("definitely not a zip"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := (&Extractor{}).Extract(path, t.TempDir())
	var extractErr *ExtractionError
	if !errors.As(err, &extractErr) {
		t.Fatalf("Extract() error = %v, want *ExtractionError", err)
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	archivePath := writeZip(t, map[string]string{"../../evil.txt": "boom"})
	dest := filepath.Join(t.TempDir(), "dest")
	err := (&Extractor{}).Extract(archivePath, dest)
	var extractErr *ExtractionError
	if !errors.As(err, &extractErr) {
		t.Fatalf("Extract() error = %v, want *ExtractionError", err)
	}
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("Extract() error = %v, want ErrUnsafePath", err)
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(dest)), "evil.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("traversal entry was written outside destination")
	}
}

func TestExtractEnforcesMaxBytes(t *testing.T) {
	archivePath := writeZip(t, map[string]string{"chat.txt": strings.Repeat("a", 64)})
	err := (&Extractor{MaxBytes: 16}).Extract(archivePath, t.TempDir())
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Extract() error = %v, want ErrTooLarge", err)
	}
}

func TestChatNameFromTranscript(t *testing.T) {
	cases := map[string]string{
		"/tmp/x/WhatsApp Chat with Karim.txt":  "Karim",
		"whatsapp chat with  Family Group.txt": "Family Group",
		"_chat.txt":                            "_chat",
	}
	for in, want := range cases {
		if got := ChatNameFromTranscript(in); got != want {
			t.Fatalf("ChatNameFromTranscript(%q) = %q, want %q", in, got, want)
		}
	}
}
