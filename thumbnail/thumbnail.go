// Package thumbnail turns uploaded images into bounded JPEG thumbnails.
package thumbnail

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/relaychat/server/config"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"
)

// maxSourcePixels bounds the decoded size of an upload.
const maxSourcePixels = 50_000_000

// ContentType of every produced thumbnail.
const ContentType = "image/jpeg"

// Kind classifies a processing failure.
type Kind int

const (
	KindEmpty Kind = iota + 1
	KindDecode
	KindEncode
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindDecode:
		return "decode"
	case KindEncode:
		return "encode"
	}
	return "unknown"
}

// Error is returned for every failure caused by the input image.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " image"
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a thumbnail Error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}

// Result is an encoded thumbnail.
type Result struct {
	Data   []byte
	Width  int
	Height int
}

// DataURL renders the thumbnail as an inline data URL.
func (r Result) DataURL() string {
	return "data:" + ContentType + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}

// Key is the storage key of a user's thumbnail.
func Key(username string) string {
	return "thumbnails/" + username + ".jpg"
}

// DecodeBase64 accepts raw base64 or a data URL and returns the bytes.
func DecodeBase64(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &Error{Kind: KindEmpty}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &Error{Kind: KindDecode, Err: err}
	}
	if len(data) == 0 {
		return nil, &Error{Kind: KindEmpty}
	}
	return data, nil
}

// Resizer scales images to fit a bounding box and re-encodes them as JPEG.
// At most Workers resizes run at once.
type Resizer struct {
	maxW, maxH int
	quality    int
	sem        *semaphore.Weighted
}

// NewResizer creates a Resizer from config, applying defaults for zero values.
func NewResizer(cfg config.ThumbnailConfig) *Resizer {
	r := &Resizer{maxW: cfg.MaxWidth, maxH: cfg.MaxHeight, quality: cfg.Quality}
	if r.maxW <= 0 {
		r.maxW = 400
	}
	if r.maxH <= 0 {
		r.maxH = 400
	}
	if r.quality <= 0 || r.quality > 100 {
		r.quality = 100
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	r.sem = semaphore.NewWeighted(int64(workers))
	return r
}

// Resize decodes data, shrinks it to fit the bounding box keeping its aspect
// ratio (never enlarging) and encodes the result as JPEG.
func (r *Resizer) Resize(ctx context.Context, data []byte) (Result, error) {
	if len(data) == 0 {
		return Result{}, &Error{Kind: KindEmpty}
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("thumbnail: wait for worker: %w", err)
	}
	defer r.sem.Release(1)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Result{}, &Error{Kind: KindDecode, Err: err}
	}
	if cfg.Width*cfg.Height > maxSourcePixels {
		return Result{}, &Error{Kind: KindDecode,
			Err: fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)}
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Result{}, &Error{Kind: KindDecode, Err: err}
	}

	w, h := fit(src.Bounds().Dx(), src.Bounds().Dy(), r.maxW, r.maxH)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; transparent regions come out white.
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: r.quality}); err != nil {
		return Result{}, &Error{Kind: KindEncode, Err: err}
	}
	return Result{Data: buf.Bytes(), Width: w, Height: h}, nil
}

// fit returns the largest size within maxW×maxH with the aspect ratio of
// w×h, or w×h itself when it already fits.
func fit(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w, h
	}
	// Compare w/maxW against h/maxH without floating point.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		return maxW, max(nh, 1)
	}
	nw := w * maxH / h
	return max(nw, 1), maxH
}
