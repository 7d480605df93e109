package media

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Info describes an extracted media file.
type Info struct {
	MimeType  string
	SizeBytes int64
	Width     int
	Height    int
	Pages     int
}

// Metadata renders the info as media record metadata.
func (i Info) Metadata(rule string) map[string]string {
	meta := map[string]string{}
	if rule != "" {
		meta["match_rule"] = rule
	}
	if i.Width > 0 && i.Height > 0 {
		meta["width"] = strconv.Itoa(i.Width)
		meta["height"] = strconv.Itoa(i.Height)
	}
	if i.Pages > 0 {
		meta["pages"] = strconv.Itoa(i.Pages)
	}
	return meta
}

const genericMime = "application/octet-stream"

// extensionTypes covers formats that content sniffing reports generically or
// that the system mime table often lacks.
var extensionTypes = map[string]string{
	".opus": "audio/ogg",
	".amr":  "audio/amr",
	".m4a":  "audio/mp4",
	".3gp":  "video/3gpp",
	".mkv":  "video/x-matroska",
	".vcf":  "text/vcard",
	".webp": "image/webp",
}

// Inspect sniffs the MIME type of path from its content, falling back to the
// extension, and records size, image dimensions and PDF page count where they
// can be read.
func Inspect(path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{MimeType: MimeFromExtension(path)}, fmt.Errorf("stat media: %w", err)
	}
	info := Info{SizeBytes: st.Size()}

	var sniffed string
	if mt, err := mimetype.DetectFile(path); err == nil {
		sniffed = baseMime(mt.String())
	}
	if sniffed != "" && sniffed != genericMime && sniffed != "text/plain" {
		info.MimeType = sniffed
	} else {
		info.MimeType = MimeFromExtension(path)
		if info.MimeType == genericMime && sniffed != "" {
			info.MimeType = sniffed
		}
	}

	switch {
	case strings.HasPrefix(info.MimeType, "image/"):
		info.Width, info.Height = imageSize(path)
	case info.MimeType == "application/pdf":
		info.Pages = pdfPages(path)
	}
	return info, nil
}

// MimeFromExtension maps a filename extension to a MIME type.
func MimeFromExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return baseMime(t)
	}
	return genericMime
}

func baseMime(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

func imageSize(path string) (int, int) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// pdfPages returns 0 for anything the reader cannot open; it panics on some
// malformed files.
func pdfPages(path string) (pages int) {
	defer func() {
		if recover() != nil {
			pages = 0
		}
	}()
	file, reader, err := pdf.Open(path)
	if err != nil {
		return 0
	}
	defer file.Close()
	return reader.NumPage()
}

// Category buckets a MIME type for statistics.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
)

// Categorize maps a MIME type to its media category. Anything that is not
// image, video or audio counts as a document.
func Categorize(mimeType string) Category {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio
	default:
		return CategoryDocument
	}
}
