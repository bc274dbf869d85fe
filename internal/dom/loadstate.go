package dom

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

const (
	// Network activity this close to the end of the trace means the page was
	// still loading when recording stopped.
	recentNetworkWindowMS = 5000

	// A document response this soon after a click is treated as a
	// click-triggered navigation.
	clickNavigationWindowMS = 2000
)

var (
	timeoutErrRegex = regexp.MustCompile(`(?i)timeout|timed out`)

	metaRefreshRegex = regexp.MustCompile(`(?i)<meta[^>]+http-equiv\s*=\s*["']?refresh["']?[^>]*>`)
	refreshURLRegex  = regexp.MustCompile(`(?i)content\s*=\s*["'][^"']*url\s*=\s*([^"'\s;]+)`)

	scriptRedirectRegexes = []*regexp.Regexp{
		regexp.MustCompile(`window\.location(?:\.href)?\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?:window\.)?location\.(?:replace|assign)\(\s*["']([^"']+)["']`),
	}
)

// AnalyzePageLoad reduces the trace to a coarse page lifecycle verdict.
// Precedence: a failed main document beats everything, then a timed-out
// action, then a completed navigation, then ongoing network activity.
// Times are offsets in milliseconds from the start of the trace.
func AnalyzePageLoad(trace *schemas.TraceData) schemas.PageLoadState {
	state := schemas.PageLoadState{State: "unknown"}
	if trace == nil {
		return state
	}

	documentFailed := false
	for i := range trace.Network {
		ev := &trace.Network[i]
		if ev.Failure != "" {
			state.NetworkErrors = append(state.NetworkErrors, fmt.Sprintf("%s: %s", ev.URL, ev.Failure))
		} else if ev.Status >= 400 {
			state.FailedRequests = append(state.FailedRequests, fmt.Sprintf("%d %s", ev.Status, ev.URL))
		}
		if ev.ResourceType == "document" && (ev.Failure != "" || ev.Status >= 400) {
			documentFailed = true
		}
	}

	loaded := false
	sawTimeout := false
	for i := range trace.Actions {
		act := &trace.Actions[i]
		if act.Error != "" {
			if timeoutErrRegex.MatchString(act.Error) {
				sawTimeout = true
			}
			continue
		}
		if act.EndTime == 0 || !isLoadSignal(act.APIName) {
			continue
		}
		if !loaded {
			loaded = true
			state.LoadTime = act.EndTime - trace.StartTime
		}
		if strings.Contains(act.APIName, "waitForLoadState") && strings.Contains(act.Selector, "domcontentloaded") {
			state.DOMContentLoadedTime = act.EndTime - trace.StartTime
		}
	}

	switch {
	case documentFailed:
		state.State = "failed"
	case sawTimeout:
		state.State = "timeout"
	case loaded:
		state.State = "loaded"
	case recentNetworkActivity(trace):
		state.State = "loading"
	}
	return state
}

// NavigationEvents extracts the navigation timeline from the action log.
// Explicit navigations map directly; a click only counts when a document
// response lands shortly after it.
func NavigationEvents(trace *schemas.TraceData) []schemas.NavigationEvent {
	if trace == nil {
		return nil
	}

	var events []schemas.NavigationEvent
	for i := range trace.Actions {
		act := &trace.Actions[i]
		switch {
		case strings.Contains(act.APIName, "goto"):
			events = append(events, schemas.NavigationEvent{Type: "goto", URL: act.Selector, Timestamp: act.StartTime})
		case strings.Contains(act.APIName, "reload"):
			events = append(events, schemas.NavigationEvent{Type: "reload", Timestamp: act.StartTime})
		case strings.Contains(act.APIName, "goBack"):
			events = append(events, schemas.NavigationEvent{Type: "back", Timestamp: act.StartTime})
		case strings.Contains(act.APIName, "goForward"):
			events = append(events, schemas.NavigationEvent{Type: "forward", Timestamp: act.StartTime})
		case strings.Contains(act.APIName, "click"):
			if url, ok := documentLoadAfter(trace, act.StartTime); ok {
				events = append(events, schemas.NavigationEvent{Type: "click", URL: url, Timestamp: act.StartTime})
			}
		}
	}
	return events
}

// DetectRedirects finds redirects from three sources: HTTP 3xx responses
// carrying a Location header, meta-refresh tags in the snapshot, and inline
// script location assignments. Duplicate (from, to) pairs are collapsed.
func DetectRedirects(trace *schemas.TraceData, snapshot *schemas.DOMSnapshot) []schemas.Redirect {
	var redirects []schemas.Redirect
	seen := make(map[string]bool)

	add := func(r schemas.Redirect) {
		key := r.From + "|" + r.To
		if r.To == "" || seen[key] {
			return
		}
		seen[key] = true
		redirects = append(redirects, r)
	}

	if trace != nil {
		for i := range trace.Network {
			ev := &trace.Network[i]
			if ev.Status < 300 || ev.Status >= 400 {
				continue
			}
			if location := headerValue(ev, "Location"); location != "" {
				add(schemas.Redirect{From: ev.URL, To: location, Kind: "http"})
			}
		}
	}

	if snapshot != nil && snapshot.HTML != "" {
		for _, tag := range metaRefreshRegex.FindAllString(snapshot.HTML, -1) {
			if m := refreshURLRegex.FindStringSubmatch(tag); m != nil {
				add(schemas.Redirect{From: snapshot.URL, To: m[1], Kind: "meta-refresh"})
			}
		}
		for _, re := range scriptRedirectRegexes {
			for _, m := range re.FindAllStringSubmatch(snapshot.HTML, -1) {
				add(schemas.Redirect{From: snapshot.URL, To: m[1], Kind: "script"})
			}
		}
	}

	return redirects
}

// isLoadSignal reports whether a successfully completed action implies the
// page reached a usable state.
func isLoadSignal(api string) bool {
	switch {
	case strings.Contains(api, "goto"),
		strings.Contains(api, "reload"),
		strings.Contains(api, "goBack"),
		strings.Contains(api, "goForward"),
		strings.Contains(api, "waitForLoadState"),
		strings.Contains(api, "waitForURL"),
		strings.Contains(api, "waitForNavigation"):
		return true
	}
	return false
}

func recentNetworkActivity(trace *schemas.TraceData) bool {
	for i := range trace.Network {
		if trace.Network[i].Timestamp >= trace.EndTime-recentNetworkWindowMS {
			return true
		}
	}
	return false
}

func documentLoadAfter(trace *schemas.TraceData, after float64) (string, bool) {
	for i := range trace.Network {
		ev := &trace.Network[i]
		if ev.ResourceType != "document" || ev.Failure != "" {
			continue
		}
		if ev.Timestamp >= after && ev.Timestamp <= after+clickNavigationWindowMS {
			return ev.URL, true
		}
	}
	return "", false
}

func headerValue(ev *schemas.NetworkEvent, name string) string {
	for _, h := range ev.ResponseHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
