// Package archive splits an uploaded artifact bundle into its parts: run
// report, trace archive, screenshots, video and free-text context. Entries
// are recognized by extension plus a content sniff for the report, so the
// bundle layout does not matter.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoReport indicates the archive holds no recognizable run report.
var ErrNoReport = errors.New("no run report found in archive")

// Per-entry decompression cap. Uploads are size-limited at the HTTP boundary
// already; this guards against hostile compression ratios inside the zip.
const maxEntryBytes = 256 << 20

// Entry name sample size embedded in the missing-report error.
const entrySampleLimit = 10

// Bundle is one run's artifacts split out of an uploaded archive.
type Bundle struct {
	Report      []byte
	Trace       []byte
	Screenshots [][]byte
	Video       []byte
	Context     string
}

// Extract sniffs the archive's entries into a Bundle. A .json entry is the
// report iff its top level carries a "suites" or "config" key; the first
// qualifying entry wins and entry order is the archive's own, so extraction
// is deterministic. A .zip entry is the trace, preferring names containing
// "trace". Images become screenshots in entry order, the first .mp4/.webm the
// video, and the first .md entry named like "context" the context text.
func Extract(zipBytes []byte, logger *zap.Logger) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact archive: %w", err)
	}

	bundle := &Bundle{}
	traceNamed := false
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.ToLower(path.Base(f.Name))

		switch {
		case strings.HasSuffix(name, ".json"):
			if bundle.Report != nil {
				continue
			}
			body, err := readEntry(f)
			if err != nil {
				logger.Warn("Skipping unreadable archive entry",
					zap.String("entry", f.Name), zap.Error(err))
				continue
			}
			if isReport(body) {
				bundle.Report = body
			}

		case strings.HasSuffix(name, ".zip"):
			hasTraceName := strings.Contains(name, "trace")
			if bundle.Trace != nil && (traceNamed || !hasTraceName) {
				continue
			}
			body, err := readEntry(f)
			if err != nil {
				logger.Warn("Skipping unreadable archive entry",
					zap.String("entry", f.Name), zap.Error(err))
				continue
			}
			bundle.Trace = body
			traceNamed = hasTraceName

		case strings.HasSuffix(name, ".png"), strings.HasSuffix(name, ".jpg"), strings.HasSuffix(name, ".jpeg"):
			body, err := readEntry(f)
			if err != nil {
				logger.Warn("Skipping unreadable archive entry",
					zap.String("entry", f.Name), zap.Error(err))
				continue
			}
			bundle.Screenshots = append(bundle.Screenshots, body)

		case strings.HasSuffix(name, ".mp4"), strings.HasSuffix(name, ".webm"):
			if bundle.Video != nil {
				continue
			}
			body, err := readEntry(f)
			if err != nil {
				logger.Warn("Skipping unreadable archive entry",
					zap.String("entry", f.Name), zap.Error(err))
				continue
			}
			bundle.Video = body

		case strings.HasSuffix(name, ".md") && strings.Contains(name, "context"):
			if bundle.Context != "" {
				continue
			}
			body, err := readEntry(f)
			if err != nil {
				logger.Warn("Skipping unreadable archive entry",
					zap.String("entry", f.Name), zap.Error(err))
				continue
			}
			bundle.Context = string(body)
		}
	}

	if bundle.Report == nil {
		return nil, fmt.Errorf("%w (entries: %s)", ErrNoReport, entrySample(zr))
	}

	logger.Info("Artifact archive extracted",
		zap.Int("reportBytes", len(bundle.Report)),
		zap.Int("traceBytes", len(bundle.Trace)),
		zap.Int("screenshots", len(bundle.Screenshots)),
		zap.Bool("video", bundle.Video != nil),
		zap.Bool("context", bundle.Context != ""))
	return bundle, nil
}

// isReport sniffs report JSON: a top-level object with a "suites" or
// "config" key. Anything else (arrays, configs of other tools, fragments)
// is left alone.
func isReport(body []byte) bool {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	if _, ok := doc["suites"]; ok {
		return true
	}
	_, ok := doc["config"]
	return ok
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntryBytes {
		return nil, fmt.Errorf("entry exceeds the %d byte limit", maxEntryBytes)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// The header can lie about the uncompressed size; enforce the cap on the
	// actual stream too.
	body, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxEntryBytes {
		return nil, fmt.Errorf("entry exceeds the %d byte limit", maxEntryBytes)
	}
	return body, nil
}

func entrySample(zr *zip.Reader) string {
	if len(zr.File) == 0 {
		return "archive is empty"
	}
	sample := make([]string, 0, entrySampleLimit)
	for _, f := range zr.File {
		if len(sample) == entrySampleLimit {
			break
		}
		sample = append(sample, f.Name)
	}
	return strings.Join(sample, ", ")
}
