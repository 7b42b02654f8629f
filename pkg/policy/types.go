package policy

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops a process.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set is evaluated before a process runs.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity,omitempty"`
	Enabled     bool     `json:"enabled"`

	// Source is "builtin" or the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`

	// Warnings hold evaluation failures of individual policies.
	Warnings []string `json:"warnings,omitempty"`
}

// Blocking returns the violations that stop the process.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Target is the server a process is about to provision or remove.
type Target struct {
	Region       string  `json:"region"`
	InstanceType string  `json:"instanceType"`
	IngressPorts []int32 `json:"ingressPorts"`
	IngressCIDR  string  `json:"ingressCidr"`
}

// Limits are the allow-lists the built-in policies check against. An empty
// list allows everything.
type Limits struct {
	AllowedRegions       []string `json:"allowedRegions"`
	AllowedInstanceTypes []string `json:"allowedInstanceTypes"`
}

// StoreFacts are the non-secret facts read from the keyed store.
type StoreFacts struct {
	Provisioned bool   `json:"provisioned"`
	Network     string `json:"network,omitempty"`
	PublicIP    string `json:"publicIp,omitempty"`
}

// Input is the document policies see as input.
type Input struct {
	Process  string     `json:"process"`
	Settings Target     `json:"settings"`
	Limits   Limits     `json:"limits"`
	Store    StoreFacts `json:"store"`
}
