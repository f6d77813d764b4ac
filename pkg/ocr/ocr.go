// Package ocr pulls plain text out of scanned documents with Tesseract.
package ocr

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// ErrNoText is returned when no pass produced any text.
var ErrNoText = errors.New("ocr: no text detected")

// Reader runs Tesseract over image files.
type Reader struct {
	// Language is a Tesseract language list such as "eng" or "eng+deu".
	Language string
	// MinHeight is the height short scans are upscaled to before recognition.
	MinHeight int
}

func New(language string) *Reader {
	if language == "" {
		language = "eng"
	}
	return &Reader{Language: language, MinHeight: 1300}
}

// ExtractText recognises the text of the image at path. The cleaned-up image
// is tried first; when it yields nothing the untouched original is tried.
func (r *Reader) ExtractText(ctx context.Context, path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	prepared := preprocess(img, r.MinHeight)

	tmp, err := os.CreateTemp("", "ocr-*.png")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpPath)
	if err := imaging.Save(prepared, tmpPath); err != nil {
		return "", err
	}

	for _, p := range []string{tmpPath, path} {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := r.recognise(p)
		if err != nil {
			return "", err
		}
		if text != "" {
			return text, nil
		}
	}
	return "", ErrNoText
}

func (r *Reader) recognise(path string) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if err := client.SetLanguage(r.Language); err != nil {
		return "", err
	}
	if err := client.SetImage(path); err != nil {
		return "", err
	}
	text, err := client.Text()
	if err != nil {
		return "", err
	}
	return normalizeText(text), nil
}

// normalizeText collapses runs of blanks inside each line and drops empty
// lines, keeping the line structure of the page.
func normalizeText(t string) string {
	var lines []string
	for _, line := range strings.Split(t, "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			lines = append(lines, strings.Join(f, " "))
		}
	}
	return strings.Join(lines, "\n")
}

// Snippet shortens s for log lines.
func Snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
