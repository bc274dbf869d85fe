package schemas

// -- Trace Schemas --

// Viewport is a browser viewport size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ActionEvent is one recorded driver call (navigation, click, wait, ...).
// Failed calls carry the error message the driver reported.
type ActionEvent struct {
	CallID    string  `json:"callId,omitempty"`
	APIName   string  `json:"apiName"` // e.g. "page.goto", "locator.click".
	Selector  string  `json:"selector,omitempty"`
	Error     string  `json:"error,omitempty"`
	StartTime float64 `json:"startTime"` // Milliseconds, monotonic within the trace.
	EndTime   float64 `json:"endTime,omitempty"`
}

// HeaderPair is a single HTTP header as recorded in the trace.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NetworkEvent is one recorded request/response exchange.
type NetworkEvent struct {
	URL             string       `json:"url"`
	Method          string       `json:"method"`
	ResourceType    string       `json:"resourceType,omitempty"` // "document", "script", "xhr", ...
	Status          int          `json:"status,omitempty"`
	Failure         string       `json:"failure,omitempty"` // e.g. "net::ERR_CONNECTION_REFUSED".
	Timestamp       float64      `json:"timestamp"`
	ResponseHeaders []HeaderPair `json:"responseHeaders,omitempty"`
	ResourceSHA1    string       `json:"sha1,omitempty"` // Key into TraceData.Resources for the stored body.
}

// ConsoleEvent is one recorded console message.
type ConsoleEvent struct {
	MessageType string  `json:"messageType"` // "log", "warning", "error", ...
	Text        string  `json:"text"`
	Timestamp   float64 `json:"timestamp"`
}

// DOMSnapshot is a point-in-time capture of the page HTML.
type DOMSnapshot struct {
	HTML      string    `json:"html"`
	Timestamp float64   `json:"timestamp"`
	URL       string    `json:"url"`
	Viewport  *Viewport `json:"viewport,omitempty"`
}

// TraceData is the fully decoded execution trace for one test run. It is
// built once per analysis run and treated as read-only afterwards, so
// concurrent stages may share it without synchronization.
type TraceData struct {
	Actions   []ActionEvent     `json:"actions"`
	Network   []NetworkEvent    `json:"network"`
	Console   []ConsoleEvent    `json:"console"`
	Snapshots []DOMSnapshot     `json:"snapshots"`
	Resources map[string][]byte `json:"-"` // Stored bodies keyed by sha1.

	StartTime float64   `json:"startTime,omitempty"` // Min action start time.
	EndTime   float64   `json:"endTime,omitempty"`   // Max action end time.
	Viewport  *Viewport `json:"viewport,omitempty"`
	Browser   string    `json:"browser,omitempty"`
}
