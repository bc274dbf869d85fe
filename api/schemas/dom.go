package schemas

// -- DOM & Selector Schemas --

// SelectorType classifies how a locator expression addresses the page.
type SelectorType string

const (
	SelectorCSS      SelectorType = "css"
	SelectorSemantic SelectorType = "semantic-locator" // getByRole, getByTestId, ...
	SelectorText     SelectorType = "text"
	SelectorUnknown  SelectorType = "unknown"
)

// ExtractedSelector is a locator parsed out of free-form failure text.
type ExtractedSelector struct {
	Selector        string       `json:"selector"` // The usable locator expression.
	Type            SelectorType `json:"type"`
	Original        string       `json:"original"` // The exact text the extraction matched.
	UsedSemanticAPI bool         `json:"usedSemanticApi"`
}

// SelectorSuggestion is a proposed replacement locator, derived from the DOM
// around the element the failing selector was aiming at.
type SelectorSuggestion struct {
	Selector   string  `json:"selector"`
	Strategy   string  `json:"strategy"` // Which attribute won: "testid", "role", "label", ...
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// VisibilityCheck is the outcome of looking an element up in a DOM snapshot.
type VisibilityCheck struct {
	Exists  bool   `json:"exists"`
	Visible bool   `json:"visible"`
	Reason  string `json:"reason"`
}

// BlockingElement is a UI element that may prevent a test interaction from
// reaching its target (modal, cookie banner, spinner, overlay).
type BlockingElement struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	ZIndex      int    `json:"zIndex,omitempty"`
}

// PageLoadState summarizes how far the page got during the recorded run.
type PageLoadState struct {
	State                string   `json:"state"` // "loaded", "loading", "failed", "timeout", "unknown".
	LoadTime             float64  `json:"loadTime,omitempty"`
	DOMContentLoadedTime float64  `json:"domContentLoadedTime,omitempty"`
	NetworkErrors        []string `json:"networkErrors,omitempty"`
	FailedRequests       []string `json:"failedRequests,omitempty"`
}

// NavigationEvent is one recorded navigation (goto, reload, history move, or
// a click that triggered navigation).
type NavigationEvent struct {
	Type      string  `json:"type"` // "goto", "reload", "back", "forward", "click".
	URL       string  `json:"url,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Redirect is one observed redirect hop, from HTTP 3xx responses or
// client-side patterns found in snapshot HTML.
type Redirect struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"` // "http", "meta-refresh", "script".
}

// ImageInsight is the structured result of running image understanding over
// a failure screenshot.
type ImageInsight struct {
	PageState        string   `json:"pageState"`
	BlockingElements []string `json:"blockingElements"`
	VisibleContent   []string `json:"visibleContent"`
	Confidence       float64  `json:"confidence"`
}
