package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ErrNoTranscript is returned when an extracted archive holds no .txt file.
var ErrNoTranscript = errors.New("no .txt chat file found in archive")

var (
	// ErrUnsafePath marks an entry whose name escapes the destination.
	ErrUnsafePath = errors.New("illegal entry path")
	// ErrTooLarge marks an archive over the Extractor's MaxBytes.
	ErrTooLarge = errors.New("archive too large")
)

// ExtractionError reports a corrupt or unreadable archive, or a destination
// that could not be written.
type ExtractionError struct {
	Archive string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("archive extraction failed for %s: %v", filepath.Base(e.Archive), e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// MediaExtensions is the allow-list of attachment types picked up from an
// extracted archive.
var MediaExtensions = map[string]struct{}{
	// images
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {}, "bmp": {},
	// video
	"mp4": {}, "avi": {}, "mov": {}, "3gp": {}, "mkv": {}, "webm": {},
	// audio
	"opus": {}, "mp3": {}, "m4a": {}, "ogg": {}, "aac": {}, "amr": {},
	// documents and archives
	"pdf": {}, "doc": {}, "docx": {}, "xls": {}, "xlsx": {}, "ppt": {}, "pptx": {},
	"csv": {}, "zip": {}, "rar": {}, "vcf": {},
}

const transcriptExt = ".txt"

// Extractor unpacks export archives into scratch directories.
type Extractor struct {
	// MaxBytes caps the total uncompressed size; zero means unlimited.
	MaxBytes int64
}

// Extract unpacks archivePath into destDir, creating destDir if needed.
// Entries escaping destDir are rejected.
func (e *Extractor) Extract(archivePath, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return &ExtractionError{Archive: archivePath, Err: fmt.Errorf("create destination: %w", err)}
	}
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		if reader != nil {
			_ = reader.Close()
		}
		return &ExtractionError{Archive: archivePath, Err: err}
	}
	defer reader.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return &ExtractionError{Archive: archivePath, Err: err}
	}
	var written int64
	for _, file := range reader.File {
		target, err := safeJoin(root, file.Name)
		if err != nil {
			return &ExtractionError{Archive: archivePath, Err: err}
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return &ExtractionError{Archive: archivePath, Err: err}
			}
			continue
		}
		if !file.Mode().IsRegular() {
			continue
		}
		n, err := e.extractFile(file, target, written)
		if err != nil {
			return &ExtractionError{Archive: archivePath, Err: fmt.Errorf("%s: %w", file.Name, err)}
		}
		written += n
	}
	return nil
}

func (e *Extractor) extractFile(file *zip.File, target string, written int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	rc, err := file.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	var src io.Reader = rc
	if e.MaxBytes > 0 {
		src = io.LimitReader(rc, e.MaxBytes-written+1)
	}
	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if e.MaxBytes > 0 && written+n > e.MaxBytes {
		return n, fmt.Errorf("%w: exceeds %d uncompressed bytes", ErrTooLarge, e.MaxBytes)
	}
	return n, nil
}

func safeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w %q", ErrUnsafePath, name)
	}
	return target, nil
}

// FindTranscript returns the transcript file below dir. When several .txt
// files exist the largest wins, since the chat log dwarfs stray notes.
func (e *Extractor) FindTranscript(dir string) (string, error) {
	files, err := listFiles(dir)
	if err != nil {
		return "", err
	}
	var best string
	var bestSize int64 = -1
	for _, f := range files {
		if !strings.EqualFold(filepath.Ext(f.path), transcriptExt) {
			continue
		}
		if f.size > bestSize {
			best, bestSize = f.path, f.size
		}
	}
	if best == "" {
		return "", ErrNoTranscript
	}
	return best, nil
}

// FindMediaFiles lists every non-transcript file below dir whose extension is
// in MediaExtensions, in lexical path order.
func (e *Extractor) FindMediaFiles(dir string) ([]string, error) {
	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	var media []string
	for _, f := range files {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.path), "."))
		if _, ok := MediaExtensions[ext]; ok {
			media = append(media, f.path)
		}
	}
	return media, nil
}

// DirSize sums the sizes of all regular files below dir.
func (e *Extractor) DirSize(dir string) (int64, error) {
	files, err := listFiles(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}
	return total, nil
}

// Cleanup removes dir and everything below it. A missing dir is not an error.
func (e *Extractor) Cleanup(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

var chatNamePrefix = regexp.MustCompile(`(?i)^whatsapp\s+chat\s+with\s+`)

// ChatNameFromTranscript derives the chat display name from the transcript
// filename, dropping the "WhatsApp Chat with" export prefix.
func ChatNameFromTranscript(transcriptPath string) string {
	base := filepath.Base(transcriptPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSpace(chatNamePrefix.ReplaceAllString(base, ""))
}

type fileEntry struct {
	path string
	size int64
}

func listFiles(dir string) ([]fileEntry, error) {
	var files []fileEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileEntry{path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}
