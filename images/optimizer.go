package images

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"strings"

	xdraw "golang.org/x/image/draw"
	"pault.ag/go/cbeff/jpeg2000"
)

// MaxEncodedSize is the upload ceiling for a single image, measured on the
// decoded base64 payload.
const MaxEncodedSize = 800 * 1024

const ErrTooLarge = "Image too large, please retake"

// MaxPixels caps the declared dimensions of an upload before it is decoded.
const MaxPixels = 40_000_000

var errTooManyPixels = errors.New("image dimensions exceed limit")

type Options struct {
	MaxWidth     int
	Quality      int // first pass JPEG quality, 1-100
	RetryQuality int // second pass, used only when the first pass is over MaxBytes
	MaxBytes     int
}

var DefaultOptions = Options{
	MaxWidth:     1280,
	Quality:      82,
	RetryQuality: 75,
	MaxBytes:     MaxEncodedSize,
}

// Result mirrors what the capture UI expects: either an optimized data URL
// or a message to show to the guest.
type Result struct {
	Success      bool
	DataURL      string
	SizeBytes    int
	ErrorMessage string
}

type Optimizer struct {
	opts Options
}

func NewOptimizer(opts Options) *Optimizer {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = DefaultOptions.MaxWidth
	}
	if opts.Quality <= 0 {
		opts.Quality = DefaultOptions.Quality
	}
	if opts.RetryQuality <= 0 {
		opts.RetryQuality = DefaultOptions.RetryQuality
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultOptions.MaxBytes
	}
	return &Optimizer{opts: opts}
}

// Optimize resizes and recompresses a captured image. It makes at most two
// encoding passes and never returns an image above the size ceiling.
func (o *Optimizer) Optimize(dataURL string) Result {
	raw, err := decodeDataURL(dataURL)
	if err != nil {
		slog.Warn("Failed to read captured image", "error", err)
		return Result{ErrorMessage: "Failed to load image for optimization"}
	}

	img, err := decodeImage(raw)
	if errors.Is(err, errTooManyPixels) {
		slog.Warn("Rejected oversized image", "error", err)
		return Result{ErrorMessage: ErrTooLarge}
	}
	if err != nil {
		slog.Warn("Failed to decode captured image", "error", err, "data_size", len(raw))
		return Result{ErrorMessage: "Failed to load image for optimization"}
	}

	img = resizeToWidth(img, o.opts.MaxWidth)

	for pass, quality := range []int{o.opts.Quality, o.opts.RetryQuality} {
		optimized, err := encodeJPEGDataURL(img, quality)
		if err != nil {
			slog.Error("Failed to encode image", "error", err, "quality", quality)
			return Result{ErrorMessage: "Failed to optimize image"}
		}
		size := Base64Size(optimized)
		slog.Debug("Image optimization pass", "pass", pass+1, "quality", quality, "size_kb", size/1024)
		if size <= o.opts.MaxBytes {
			return Result{Success: true, DataURL: optimized, SizeBytes: size}
		}
	}

	slog.Info("Image still too large after optimization", "max_bytes", o.opts.MaxBytes)
	return Result{ErrorMessage: ErrTooLarge}
}

// StripDataURLPrefix returns the base64 payload of a data URL. Input that
// is not a data URL is returned unchanged.
func StripDataURLPrefix(dataURL string) string {
	if !strings.HasPrefix(dataURL, "data:") {
		return dataURL
	}
	if i := strings.Index(dataURL, ";base64,"); i >= 0 {
		return dataURL[i+len(";base64,"):]
	}
	return dataURL
}

// Base64Size estimates the decoded byte size of a data URL's payload.
func Base64Size(dataURL string) int {
	payload := StripDataURLPrefix(dataURL)
	return int(math.Round(float64(len(payload)) * 3 / 4))
}

func decodeDataURL(dataURL string) ([]byte, error) {
	if dataURL == "" {
		return nil, errors.New("empty image")
	}
	payload := StripDataURLPrefix(dataURL)
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image data: %w", err)
	}
	return b, nil
}

// decodeImage attempts to decode an image from bytes, trying multiple formats
func decodeImage(data []byte) (image.Image, error) {
	if err := checkDimensions(data); err != nil {
		return nil, err
	}

	if img, err := jpeg.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if looksLikeJPEG2000(data) {
		if img, err := jpeg2000.Parse(data); err == nil {
			return img, nil
		}
	}

	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("unsupported or invalid image format")
}

var (
	jp2Signature = []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20}
	j2kSignature = []byte{0xFF, 0x4F, 0xFF, 0x51}
)

func looksLikeJPEG2000(data []byte) bool {
	return bytes.HasPrefix(data, jp2Signature) || bytes.HasPrefix(data, j2kSignature)
}

// checkDimensions reads only the image header, so a small payload that
// declares a huge canvas is refused without allocating it.
func checkDimensions(data []byte) error {
	var w, h int
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		w, h = cfg.Width, cfg.Height
	} else if looksLikeJPEG2000(data) {
		w, h = j2kDimensions(data)
	}
	if int64(w)*int64(h) > MaxPixels {
		return fmt.Errorf("%w: %dx%d", errTooManyPixels, w, h)
	}
	return nil
}

// j2kDimensions reads the image size from the SIZ marker segment of the
// codestream. A JP2 file carries the codestream inside its jp2c box.
func j2kDimensions(data []byte) (int, int) {
	i := bytes.Index(data, j2kSignature)
	// SOC, SIZ, Lsiz, Rsiz, then Xsiz Ysiz XOsiz YOsiz.
	if i < 0 || len(data) < i+24 {
		return 0, 0
	}
	siz := data[i+8:]
	x, y := binary.BigEndian.Uint32(siz), binary.BigEndian.Uint32(siz[4:])
	xo, yo := binary.BigEndian.Uint32(siz[8:]), binary.BigEndian.Uint32(siz[12:])
	if xo >= x || yo >= y {
		return 0, 0
	}
	return int(x - xo), int(y - yo)
}

// resizeToWidth downscales src to maxW keeping the aspect ratio. Narrower
// images are returned as is.
func resizeToWidth(src image.Image, maxW int) image.Image {
	bw := src.Bounds().Dx()
	bh := src.Bounds().Dy()
	if maxW <= 0 || bw <= maxW {
		return src
	}

	h := int(math.Max(1, math.Round(float64(bh)*float64(maxW)/float64(bw))))
	dst := image.NewRGBA(image.Rect(0, 0, maxW, h))
	// CatmullRom = high quality, good for photos/faces
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

func encodeJPEGDataURL(img image.Image, quality int) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
