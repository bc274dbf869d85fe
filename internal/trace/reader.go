// Package trace decodes browser-test execution trace archives.
//
// A trace archive is a zip holding an NDJSON event log plus directories of
// snapshot HTML blobs and stored resource bodies. Decoding is tolerant by
// design: malformed event lines are skipped with a warning and orphan
// snapshot blobs are kept, because a partially readable trace is still worth
// analyzing.
package trace

import (
	"archive/zip"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Canonical event log entry name.
	eventLogName = "trace.trace"

	// Entry name sample size embedded in FormatError messages.
	entrySampleLimit = 10

	// Single event lines can carry large payloads.
	maxEventLineBytes = 10 * 1024 * 1024
)

// ErrNoEventLog indicates no event log entry could be located in the archive.
var ErrNoEventLog = errors.New("no event log found in trace archive")

// FormatError reports an unreadable or unrecognizable trace archive. It
// carries a sample of the archive's entry names so the operator can see what
// was actually inside.
type FormatError struct {
	Entries []string
	Err     error
}

func (e *FormatError) Error() string {
	if len(e.Entries) == 0 {
		return fmt.Sprintf("%v (archive is empty)", e.Err)
	}
	return fmt.Sprintf("%v (entries: %s)", e.Err, strings.Join(e.Entries, ", "))
}

func (e *FormatError) Unwrap() error { return e.Err }

func newFormatError(zr *zip.Reader, err error) *FormatError {
	sample := make([]string, 0, entrySampleLimit)
	for _, f := range zr.File {
		if len(sample) == entrySampleLimit {
			break
		}
		sample = append(sample, f.Name)
	}
	return &FormatError{Entries: sample, Err: err}
}

// Read decodes a trace archive into TraceData. The returned value is
// read-only after construction.
func Read(archive []byte, logger *zap.Logger) (*schemas.TraceData, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("failed to open trace archive: %w", err)
	}
	return readArchive(zr, logger, true)
}

func readArchive(zr *zip.Reader, logger *zap.Logger, allowNested bool) (*schemas.TraceData, error) {
	eventLog := findEventLog(zr)
	if eventLog == nil {
		// Some producers wrap the real trace in an inner archive; descend one
		// level before giving up.
		if allowNested {
			if inner := openInnerArchive(zr, logger); inner != nil {
				return readArchive(inner, logger, false)
			}
		}
		return nil, newFormatError(zr, ErrNoEventLog)
	}

	logBytes, err := readEntry(eventLog)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log %q: %w", eventLog.Name, err)
	}

	data := &schemas.TraceData{Resources: make(map[string][]byte)}
	metas := decodeEvents(logBytes, data, logger)

	joinSnapshots(zr, data, metas, logger)
	loadResources(zr, data, logger)

	for i := range data.Actions {
		action := &data.Actions[i]
		if action.StartTime > 0 && (data.StartTime == 0 || action.StartTime < data.StartTime) {
			data.StartTime = action.StartTime
		}
		if action.EndTime > data.EndTime {
			data.EndTime = action.EndTime
		}
	}

	logger.Info("Trace decoded",
		zap.Int("actions", len(data.Actions)),
		zap.Int("network", len(data.Network)),
		zap.Int("console", len(data.Console)),
		zap.Int("snapshots", len(data.Snapshots)),
		zap.Int("resources", len(data.Resources)))
	return data, nil
}

// findEventLog locates the event log entry: exact name first, then by
// extension, then any entry mentioning "trace" outside the resource
// directory.
func findEventLog(zr *zip.Reader) *zip.File {
	for _, f := range zr.File {
		if f.Name == eventLogName {
			return f
		}
	}
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, ".trace") {
			return f
		}
	}
	for _, f := range zr.File {
		if strings.Contains(f.Name, "trace") && !strings.HasPrefix(f.Name, "resources/") {
			return f
		}
	}
	return nil
}

func openInnerArchive(zr *zip.Reader, logger *zap.Logger) *zip.Reader {
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".zip") {
			continue
		}
		innerBytes, err := readEntry(f)
		if err != nil {
			logger.Warn("Failed to read nested archive entry",
				zap.String("entry", f.Name), zap.Error(err))
			continue
		}
		inner, err := zip.NewReader(bytes.NewReader(innerBytes), int64(len(innerBytes)))
		if err != nil {
			logger.Warn("Nested entry is not a readable archive",
				zap.String("entry", f.Name), zap.Error(err))
			continue
		}
		logger.Debug("Descending into nested trace archive", zap.String("entry", f.Name))
		return inner
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// -- Event log decoding --

// traceEvent is the NDJSON envelope. Which fields are populated depends on
// the type discriminator.
type traceEvent struct {
	Type string `json:"type"`

	// Action events, either pre-merged or split into before/after pairs
	// sharing a call id.
	CallID    string      `json:"callId,omitempty"`
	APIName   string      `json:"apiName,omitempty"`
	Selector  string      `json:"selector,omitempty"`
	Error     *eventError `json:"error,omitempty"`
	StartTime float64     `json:"startTime,omitempty"`
	EndTime   float64     `json:"endTime,omitempty"`

	// Shared by snapshot, network and console events.
	Timestamp float64 `json:"timestamp,omitempty"`

	// Frame snapshot metadata; the HTML blob is joined later by snapshot id.
	SnapshotID string            `json:"snapshotId,omitempty"`
	URL        string            `json:"url,omitempty"`
	Viewport   *schemas.Viewport `json:"viewport,omitempty"`

	// Network events carry a HAR-like request/response capture.
	Snapshot *resourceSnapshot `json:"snapshot,omitempty"`

	// Console events.
	MessageType string `json:"messageType,omitempty"`
	Text        string `json:"text,omitempty"`

	// Context options.
	BrowserName string `json:"browserName,omitempty"`
}

type eventError struct {
	Message string `json:"message"`
}

type resourceSnapshot struct {
	Request      resourceRequest  `json:"request"`
	Response     resourceResponse `json:"response"`
	FailureText  string           `json:"_failureText,omitempty"`
	ResourceType string           `json:"_resourceType,omitempty"`
}

type resourceRequest struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

type resourceResponse struct {
	Status  int                  `json:"status"`
	Headers []schemas.HeaderPair `json:"headers,omitempty"`
	Content resourceContent      `json:"content"`
}

type resourceContent struct {
	SHA1 string `json:"_sha1,omitempty"`
}

type snapshotMeta struct {
	id        string
	url       string
	timestamp float64
	viewport  *schemas.Viewport
}

func decodeEvents(logBytes []byte, data *schemas.TraceData, logger *zap.Logger) []snapshotMeta {
	sink := &eventSink{data: data, pendingByCall: make(map[string]int)}

	scanner := bufio.NewScanner(bytes.NewReader(logBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev traceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("Skipping malformed trace event",
				zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		sink.dispatch(&ev)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Event log scan stopped early", zap.Error(err))
	}
	return sink.snapshots
}

type eventSink struct {
	data          *schemas.TraceData
	pendingByCall map[string]int // call id -> index into data.Actions
	snapshots     []snapshotMeta
}

func (s *eventSink) dispatch(ev *traceEvent) {
	switch ev.Type {
	case "action":
		s.data.Actions = append(s.data.Actions, schemas.ActionEvent{
			CallID:    ev.CallID,
			APIName:   ev.APIName,
			Selector:  ev.Selector,
			Error:     errorMessage(ev.Error),
			StartTime: ev.StartTime,
			EndTime:   ev.EndTime,
		})

	case "before":
		s.pendingByCall[ev.CallID] = len(s.data.Actions)
		s.data.Actions = append(s.data.Actions, schemas.ActionEvent{
			CallID:    ev.CallID,
			APIName:   ev.APIName,
			Selector:  ev.Selector,
			StartTime: ev.StartTime,
		})

	case "after":
		if idx, ok := s.pendingByCall[ev.CallID]; ok {
			action := &s.data.Actions[idx]
			action.EndTime = ev.EndTime
			if msg := errorMessage(ev.Error); msg != "" {
				action.Error = msg
			}
			delete(s.pendingByCall, ev.CallID)
			return
		}
		// An after without its before still records the outcome.
		s.data.Actions = append(s.data.Actions, schemas.ActionEvent{
			CallID:  ev.CallID,
			APIName: ev.APIName,
			Error:   errorMessage(ev.Error),
			EndTime: ev.EndTime,
		})

	case "frame-snapshot":
		s.snapshots = append(s.snapshots, snapshotMeta{
			id:        ev.SnapshotID,
			url:       ev.URL,
			timestamp: ev.Timestamp,
			viewport:  ev.Viewport,
		})

	case "resource-snapshot":
		if ev.Snapshot == nil {
			return
		}
		s.data.Network = append(s.data.Network, schemas.NetworkEvent{
			URL:             ev.Snapshot.Request.URL,
			Method:          ev.Snapshot.Request.Method,
			ResourceType:    ev.Snapshot.ResourceType,
			Status:          ev.Snapshot.Response.Status,
			Failure:         ev.Snapshot.FailureText,
			Timestamp:       ev.Timestamp,
			ResponseHeaders: ev.Snapshot.Response.Headers,
			ResourceSHA1:    ev.Snapshot.Response.Content.SHA1,
		})

	case "console":
		s.data.Console = append(s.data.Console, schemas.ConsoleEvent{
			MessageType: ev.MessageType,
			Text:        ev.Text,
			Timestamp:   ev.Timestamp,
		})

	case "context-options":
		if ev.Viewport != nil {
			s.data.Viewport = ev.Viewport
		}
		if ev.BrowserName != "" {
			s.data.Browser = ev.BrowserName
		}

	default:
		// Unknown event kinds are tolerated; producers add types faster than
		// consumers learn them.
	}
}

func errorMessage(e *eventError) string {
	if e == nil {
		return ""
	}
	return e.Message
}

// -- Snapshot and resource loading --

// joinSnapshots attaches HTML blobs to their metadata records by snapshot id.
// A blob with no metadata still becomes a minimal snapshot entry so captured
// DOM is never silently dropped.
func joinSnapshots(zr *zip.Reader, data *schemas.TraceData, metas []snapshotMeta, logger *zap.Logger) {
	htmlByID := make(map[string]string)
	var blobOrder []string
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "snapshots/") || !strings.HasSuffix(f.Name, ".html") {
			continue
		}
		blob, err := readEntry(f)
		if err != nil {
			logger.Warn("Failed to read snapshot blob",
				zap.String("entry", f.Name), zap.Error(err))
			continue
		}
		id := strings.TrimSuffix(path.Base(f.Name), ".html")
		htmlByID[id] = string(blob)
		blobOrder = append(blobOrder, id)
	}

	claimed := make(map[string]bool)
	for _, meta := range metas {
		data.Snapshots = append(data.Snapshots, schemas.DOMSnapshot{
			HTML:      htmlByID[meta.id],
			Timestamp: meta.timestamp,
			URL:       meta.url,
			Viewport:  meta.viewport,
		})
		claimed[meta.id] = true
	}
	for _, id := range blobOrder {
		if claimed[id] {
			continue
		}
		data.Snapshots = append(data.Snapshots, schemas.DOMSnapshot{
			HTML:      htmlByID[id],
			Timestamp: float64(time.Now().UnixMilli()),
		})
	}
}

func loadResources(zr *zip.Reader, data *schemas.TraceData, logger *zap.Logger) {
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "resources/") || strings.HasSuffix(f.Name, "/") {
			continue
		}
		body, err := readEntry(f)
		if err != nil {
			logger.Warn("Failed to read stored resource",
				zap.String("entry", f.Name), zap.Error(err))
			continue
		}
		data.Resources[strings.TrimPrefix(f.Name, "resources/")] = body
	}
}

// HeaderValue returns the first response header matching name,
// case-insensitively.
func HeaderValue(ev *schemas.NetworkEvent, name string) string {
	for _, h := range ev.ResponseHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
