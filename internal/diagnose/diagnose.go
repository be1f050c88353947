// Package diagnose implements the diagnose test mode: navigate, observe,
// report. Collectors inspect the loaded page and its captured streams and
// emit findings; no collector mutates the page.
package diagnose

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// Severity grades a finding.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Finding is one observation about the page.
type Finding struct {
	Collector string   `json:"collector"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
}

// Report aggregates all findings for one page.
type Report struct {
	URL      string    `json:"url"`
	Findings []Finding `json:"findings"`
}

// Healthy reports whether no error-grade finding was recorded.
func (r Report) Healthy() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Driver is the read-only slice of the browser collectors may use.
type Driver interface {
	SnapshotDOM(ctx context.Context) (string, error)
}

// Collector inspects one aspect of a loaded page.
type Collector interface {
	Name() string
	Collect(ctx context.Context, driver Driver, console []string, network []types.NetworkEvent) []Finding
}

// Run executes every collector against the page and aggregates findings.
// A collector panicking or finding nothing contributes no findings; the
// report is always produced.
func Run(ctx context.Context, driver Driver, url string, console []string, network []types.NetworkEvent, collectors ...Collector) Report {
	log := logging.Get(logging.CategoryRun)
	report := Report{URL: url}

	if len(collectors) == 0 {
		collectors = Defaults()
	}
	for _, c := range collectors {
		findings := collect(ctx, c, driver, console, network)
		report.Findings = append(report.Findings, findings...)
		log.Debug("collector finished",
			zap.String("collector", c.Name()),
			zap.Int("findings", len(findings)))
	}
	return report
}

// collect isolates one collector; a panic is logged and yields no findings.
func collect(ctx context.Context, c Collector, driver Driver, console []string, network []types.NetworkEvent) (findings []Finding) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryRun).Warn("collector panicked",
				zap.String("collector", c.Name()),
				zap.Any("panic", r))
			findings = nil
		}
	}()
	return c.Collect(ctx, driver, console, network)
}

// Defaults returns the built-in collector set.
func Defaults() []Collector {
	return []Collector{
		ConsoleCollector{},
		NetworkCollector{},
		ContentCollector{},
	}
}

// =============================================================================
// BUILT-IN COLLECTORS
// =============================================================================

// ConsoleCollector reports console errors and warnings captured during load.
type ConsoleCollector struct{}

func (ConsoleCollector) Name() string { return "console" }

func (ConsoleCollector) Collect(_ context.Context, _ Driver, console []string, _ []types.NetworkEvent) []Finding {
	var out []Finding
	for _, line := range console {
		switch {
		case strings.HasPrefix(line, "[error]"):
			out = append(out, Finding{Collector: "console", Severity: SeverityError, Message: line})
		case strings.HasPrefix(line, "[warning]"):
			out = append(out, Finding{Collector: "console", Severity: SeverityWarning, Message: line})
		}
	}
	return out
}

// NetworkCollector reports failed and slow requests.
type NetworkCollector struct{}

// slowRequestMs marks a request worth flagging even when it succeeded.
const slowRequestMs = 3000

func (NetworkCollector) Name() string { return "network" }

func (NetworkCollector) Collect(_ context.Context, _ Driver, _ []string, network []types.NetworkEvent) []Finding {
	var out []Finding
	for _, ev := range network {
		if ev.Failed {
			out = append(out, Finding{
				Collector: "network",
				Severity:  SeverityError,
				Message:   fmt.Sprintf("%s %s failed (status %d)", ev.Method, ev.URL, ev.Status),
			})
			continue
		}
		if ev.DurationMs > slowRequestMs {
			out = append(out, Finding{
				Collector: "network",
				Severity:  SeverityWarning,
				Message:   fmt.Sprintf("%s %s took %dms", ev.Method, ev.URL, ev.DurationMs),
			})
		}
	}
	return out
}

// ContentCollector sanity-checks the rendered document.
type ContentCollector struct{}

func (ContentCollector) Name() string { return "content" }

func (ContentCollector) Collect(ctx context.Context, driver Driver, _ []string, _ []types.NetworkEvent) []Finding {
	html, err := driver.SnapshotDOM(ctx)
	if err != nil {
		return []Finding{{
			Collector: "content",
			Severity:  SeverityError,
			Message:   fmt.Sprintf("could not read document: %v", err),
		}}
	}
	var out []Finding
	lower := strings.ToLower(html)
	if !strings.Contains(lower, "<title>") || strings.Contains(lower, "<title></title>") {
		out = append(out, Finding{Collector: "content", Severity: SeverityWarning, Message: "page has no title"})
	}
	if body := extractBody(lower); strings.TrimSpace(stripTags(body)) == "" {
		out = append(out, Finding{Collector: "content", Severity: SeverityError, Message: "page body is empty"})
	}
	return out
}

func extractBody(html string) string {
	start := strings.Index(html, "<body")
	if start < 0 {
		return html
	}
	if gt := strings.Index(html[start:], ">"); gt >= 0 {
		start += gt + 1
	}
	end := strings.LastIndex(html, "</body>")
	if end < start {
		return html[start:]
	}
	return html[start:end]
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
