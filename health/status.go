package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/sensors-inl/biostream/component"
)

// Canonical status strings. They appear verbatim in /healthz JSON, so
// they are part of the endpoint's contract.
const (
	stateHealthy   = "healthy"
	stateDegraded  = "degraded"
	stateUnhealthy = "unhealthy"
)

// Status is the health state of one component, or of the whole
// pipeline when SubStatuses is populated.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"` // true if status is "healthy"
	Status      string    `json:"status"`  // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries operational counters alongside a status.
type Metrics struct {
	Uptime           time.Duration `json:"uptime"`
	ErrorCount       int           `json:"error_count"`
	SamplesProcessed int64         `json:"samples_processed,omitempty"`
	LastActivity     time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy reports whether the status is "healthy".
func (s Status) IsHealthy() bool { return s.Status == stateHealthy }

// IsDegraded reports whether the status is "degraded".
func (s Status) IsDegraded() bool { return s.Status == stateDegraded }

// IsUnhealthy reports whether the status is "unhealthy".
func (s Status) IsUnhealthy() bool { return s.Status == stateUnhealthy }

// WithMetrics returns a copy of the status carrying the given metrics.
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy of the status with one more sub-status
// appended. The receiver's slice is never shared with the copy.
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// Redactions applied to error messages before they reach a dashboard.
// Order matters: URLs go before bare paths so a URL's path segment is
// not matched a second time, and IPs before ports so the port of an
// already-redacted address still collapses.
var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`https?://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`nats://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`wss?://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`), "[PATH]"},
	{regexp.MustCompile(`[A-Z]:\\[^:\s]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

var credentialPattern = regexp.MustCompile(
	`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)

var credentialHints = []string{"password", "token", "key", "secret", "credential"}

// sanitizeErrorMessage strips URLs, file paths, addresses, and
// credential assignments from an error message. Over-redaction is
// preferred over leaking a connection string; FromComponentHealth
// applies this to every last-error it reports.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	for _, r := range redactions {
		msg = r.pattern.ReplaceAllString(msg, r.replacement)
	}

	lower := strings.ToLower(msg)
	for _, hint := range credentialHints {
		if strings.Contains(lower, hint) {
			msg = credentialPattern.ReplaceAllString(msg, "[REDACTED]")
			break
		}
	}
	return msg
}

// FromComponentHealth converts a component's lifecycle health snapshot
// into a reportable Status, sanitizing the last error on the way.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	message := "Component healthy"
	if ch.LastError != "" {
		message = sanitizeErrorMessage(ch.LastError)
	}

	state := stateUnhealthy
	if ch.Healthy {
		state = stateHealthy
	}

	return newStatus(name, state, message).WithMetrics(&Metrics{
		Uptime:       ch.Uptime,
		ErrorCount:   ch.ErrorCount,
		LastActivity: ch.LastCheck,
	})
}
