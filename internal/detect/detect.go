package detect

import "time"

// Severity classifies how urgent a finding is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Class is the threat class a check (and any incident opened from its
// findings) belongs to.
type Class string

const (
	ClassRootkit   Class = "rootkit"
	ClassIntrusion Class = "intrusion"
	ClassMalware   Class = "malware"
	// ClassManual tags incidents opened by an operator rather than a scan.
	ClassManual Class = "manual"
)

// Scope selects which checks a scan runs.
type Scope string

const (
	ScopeRootkit   Scope = "rootkit"
	ScopeIntrusion Scope = "intrusion"
	ScopeMalware   Scope = "malware"
	ScopeAll       Scope = "all"
)

// ParseScope validates a CLI scope argument.
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeRootkit, ScopeIntrusion, ScopeMalware, ScopeAll:
		return Scope(s), true
	}
	return "", false
}

// Finding is a single classified detection result. Immutable once created;
// produced only by the detector.
type Finding struct {
	CheckName  string    `json:"check_name"`
	Class      Class     `json:"class"`
	Severity   Severity  `json:"severity"`
	Evidence   []string  `json:"evidence"`
	DetectedAt time.Time `json:"detected_at"`
}

// SkippedCheck records a check that degraded instead of running, typically
// because an optional tool is missing. Degradation never aborts a scan.
type SkippedCheck struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Report is the full outcome of one scan invocation.
type Report struct {
	Scope     Scope          `json:"scope"`
	StartedAt time.Time      `json:"started_at"`
	Findings  []Finding      `json:"findings"`
	Skipped   []SkippedCheck `json:"skipped,omitempty"`
}
