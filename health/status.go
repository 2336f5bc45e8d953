package health

import (
	"regexp"
	"time"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status is the health of one stage, or of a whole pipeline when SubStatuses is set
type Status struct {
	Stage       string    `json:"stage"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are the counters attached to a stage status
type Metrics struct {
	Uptime         time.Duration `json:"uptime"`
	ErrorCount     int           `json:"error_count"`
	ItemsProcessed int64         `json:"items_processed,omitempty"`
	LastActivity   time.Time     `json:"last_activity,omitempty"`
}

func newStatus(stage, status, message string) Status {
	return Status{
		Stage:     stage,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func NewHealthy(stage, message string) Status   { return newStatus(stage, StatusHealthy, message) }
func NewDegraded(stage, message string) Status  { return newStatus(stage, StatusDegraded, message) }
func NewUnhealthy(stage, message string) Status { return newStatus(stage, StatusUnhealthy, message) }

func (s Status) IsHealthy() bool   { return s.Status == StatusHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StatusDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// Aggregate rolls stage statuses into one. The worst sub-status wins.
// subs is copied.
func Aggregate(name string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(name, "No stages registered")
	}

	worst := StatusHealthy
	for _, sub := range subs {
		if sub.IsUnhealthy() {
			worst = StatusUnhealthy
			break
		}
		if sub.IsDegraded() {
			worst = StatusDegraded
		}
	}

	var status Status
	switch worst {
	case StatusUnhealthy:
		status = NewUnhealthy(name, "One or more stages are unhealthy")
	case StatusDegraded:
		status = NewDegraded(name, "One or more stages are degraded")
	default:
		status = NewHealthy(name, "All stages are healthy")
	}
	status.SubStatuses = append([]Status(nil), subs...)
	return status
}

// StageReport is the raw health a stage reports about itself
type StageReport struct {
	State          string
	Running        bool
	Failed         bool
	LastError      string
	ErrorCount     int
	ItemsProcessed int64
	Uptime         time.Duration
	LastActivity   time.Time
}

// FromStage converts a stage report into a Status.
// Failed stages are unhealthy. Stages that are not running, or are running
// with recorded errors, are degraded.
func FromStage(name string, r StageReport) Status {
	var status Status
	switch {
	case r.Failed:
		status = NewUnhealthy(name, "Stage failed")
	case !r.Running:
		status = NewDegraded(name, "Stage "+r.State)
	case r.ErrorCount > 0:
		status = NewDegraded(name, "Stage running with errors")
	default:
		status = NewHealthy(name, "Stage running")
	}

	if r.LastError != "" {
		status.Message = sanitize(r.LastError)
	}
	status.Metrics = &Metrics{
		Uptime:         r.Uptime,
		ErrorCount:     r.ErrorCount,
		ItemsProcessed: r.ItemsProcessed,
		LastActivity:   r.LastActivity,
	}
	return status
}

// Endpoint errors routinely carry remote addresses. Order matters: URLs
// before paths, IPs before ports.
var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`), "[URL]"},
	{regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`), "[REDACTED]"},
	{regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`), "[PATH]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[IP]"},
	{regexp.MustCompile(`:\d{2,5}\b`), "[PORT]"},
}

// sanitize strips addresses, paths and credentials from an error message
func sanitize(msg string) string {
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.repl)
	}
	return msg
}
