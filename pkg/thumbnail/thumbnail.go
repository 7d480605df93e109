package thumbnail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWidth       = 300
	DefaultQuality     = 80
	DefaultConcurrency = 2
	DefaultTimeout     = 30 * time.Second
	// DefaultMaxPixels bounds the decoded size of a source image.
	DefaultMaxPixels = 50_000_000
)

// ErrImageTooLarge is returned for images whose header declares more pixels
// than the deriver decodes.
var ErrImageTooLarge = errors.New("image too large for thumbnail")

// Deriver renders fixed-width JPEG previews for images and video.
type Deriver struct {
	Width       int
	Quality     int
	FFmpegPath  string
	Timeout     time.Duration
	Concurrency int
	// MaxPixels caps width*height of images that get decoded; zero means
	// DefaultMaxPixels.
	MaxPixels int64
}

// NewDeriver returns a deriver, replacing non-positive settings with defaults.
func NewDeriver(width, quality int, ffmpegPath string, timeout time.Duration, concurrency int) *Deriver {
	if width <= 0 {
		width = DefaultWidth
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Deriver{
		Width:       width,
		Quality:     quality,
		FFmpegPath:  ffmpegPath,
		Timeout:     timeout,
		Concurrency: concurrency,
	}
}

// Derive writes a thumbnail of src to dest. It returns "" with a nil error for
// MIME types that get no thumbnail and for video when ffmpeg is not
// installed. Errors are informational; a missing thumbnail never invalidates
// the media itself.
func (d *Deriver) Derive(ctx context.Context, src, dest, mimeType string) (string, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		if err := d.imageThumbnail(src, dest); err != nil {
			return "", err
		}
		return dest, nil
	case strings.HasPrefix(mimeType, "video/"):
		if !d.FFmpegAvailable() {
			return "", nil
		}
		if err := d.videoThumbnail(ctx, src, dest); err != nil {
			return "", err
		}
		return dest, nil
	default:
		return "", nil
	}
}

func (d *Deriver) imageThumbnail(src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	limit := d.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > limit {
		return fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind image: %w", err)
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return errors.New("empty image")
	}
	if w > d.Width {
		h = max(1, h*d.Width/w)
		w = d.Width
	}
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha channel; flatten onto white.
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(canvas, canvas.Bounds(), img, bounds, draw.Over, nil)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: d.Quality}); err != nil {
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := os.WriteFile(dest, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write thumbnail: %w", err)
	}
	return nil
}

func (d *Deriver) videoThumbnail(ctx context.Context, src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create thumbnail dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	width := strconv.Itoa(d.Width)
	cmd := exec.CommandContext(ctx, d.FFmpegPath,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", src,
		"-vframes", "1",
		"-vf", "scale='min("+width+",iw)':-2",
		"-q:v", "3",
		dest,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("ffmpeg frame extract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// FFmpegAvailable reports whether the configured ffmpeg binary can be found.
func (d *Deriver) FFmpegAvailable() bool {
	_, err := exec.LookPath(d.FFmpegPath)
	return err == nil
}

// Item is one thumbnail request.
type Item struct {
	Source   string
	Dest     string
	MimeType string
}

// Result reports the outcome for one Item. Path is empty when no thumbnail
// was written.
type Result struct {
	Item
	Path string
	Err  error
}

// OK reports whether a thumbnail was written.
func (r Result) OK() bool { return r.Path != "" }

// Batch derives thumbnails for items with at most Concurrency running at once.
// Results are returned in item order; individual failures are reported per
// item and never abort the batch.
func (d *Deriver) Batch(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))
	limit := d.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			results[i].Item = item
			if err := gctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			path, err := d.Derive(gctx, item.Source, item.Dest, item.MimeType)
			results[i].Path = path
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}
