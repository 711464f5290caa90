package models

import "time"

// Severity represents the impact level of a finding.
type Severity string

const (
	SeverityCritical      Severity = "CRITICAL"
	SeverityHigh          Severity = "HIGH"
	SeverityMedium        Severity = "MEDIUM"
	SeverityLow           Severity = "LOW"
	SeverityInformational Severity = "INFORMATIONAL"
	SeverityUnknown       Severity = "UNKNOWN"
)

// RecordStatus is the upstream record state of a finding. ARCHIVED is how
// the upstream API reports a resource that left the active findings set.
type RecordStatus string

const (
	StatusActive   RecordStatus = "ACTIVE"
	StatusArchived RecordStatus = "ARCHIVED"
	StatusUnknown  RecordStatus = "UNKNOWN"
)

// WorkflowState is the triage state of a finding.
type WorkflowState string

const (
	WorkflowNew        WorkflowState = "NEW"
	WorkflowNotified   WorkflowState = "NOTIFIED"
	WorkflowResolved   WorkflowState = "RESOLVED"
	WorkflowSuppressed WorkflowState = "SUPPRESSED"
	WorkflowUnknown    WorkflowState = "UNKNOWN"
)

// ComplianceState is the result of a compliance control check. The empty
// value means the finding carries no compliance information.
type ComplianceState string

const (
	ComplianceNone         ComplianceState = ""
	CompliancePassed       ComplianceState = "PASSED"
	ComplianceWarning      ComplianceState = "WARNING"
	ComplianceFailed       ComplianceState = "FAILED"
	ComplianceNotAvailable ComplianceState = "NOT_AVAILABLE"
	ComplianceUnknown      ComplianceState = "UNKNOWN"
)

// VerificationState records whether a finding was confirmed or rejected.
// The empty value means the upstream did not report one.
type VerificationState string

const (
	VerificationNone          VerificationState = ""
	VerificationUnknown       VerificationState = "UNKNOWN"
	VerificationTruePositive  VerificationState = "TRUE_POSITIVE"
	VerificationFalsePositive VerificationState = "FALSE_POSITIVE"
	VerificationBenign        VerificationState = "BENIGN_POSITIVE"
)

// Finding is the canonical, deduplicated record of one upstream security
// finding. ID is the upstream identifier and never changes once stored.
type Finding struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Severity    Severity     `json:"severity"`
	Status      RecordStatus `json:"status"`
	ProductName string       `json:"product_name"`
	ProductARN  string       `json:"product_arn,omitempty"`
	GeneratorID string       `json:"generator_id,omitempty"`
	AccountID   string       `json:"account_id"`
	Region      string       `json:"region"`

	Workflow     WorkflowState     `json:"workflow_state"`
	Compliance   ComplianceState   `json:"compliance_state,omitempty"`
	Verification VerificationState `json:"verification_state,omitempty"`

	Types           []string `json:"types,omitempty"`
	ResourceIDs     []string `json:"resource_ids,omitempty"`
	RemediationText string   `json:"remediation_text,omitempty"`
	RemediationURL  string   `json:"remediation_url,omitempty"`

	// Upstream timestamps as reported by the findings API. Zero when absent.
	UpstreamCreatedAt time.Time `json:"upstream_created_at,omitzero"`
	UpstreamUpdatedAt time.Time `json:"upstream_updated_at,omitzero"`
	FirstObservedAt   time.Time `json:"first_observed_at,omitzero"`
	LastObservedAt    time.Time `json:"last_observed_at,omitzero"`

	// FirstSeenAt is when this engine first stored the finding.
	FirstSeenAt time.Time `json:"first_seen_at"`

	// LastUpdatedAt is when this engine last observed the finding. It only
	// ever moves forward.
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Tracked field names, as they appear in HistoryEntry.Changes.
const (
	FieldSeverity     = "severity"
	FieldStatus       = "status"
	FieldWorkflow     = "workflow_state"
	FieldCompliance   = "compliance_state"
	FieldVerification = "verification_state"
)

// TrackedFields returns the mutable fields whose changes produce history,
// keyed by field name.
func (f Finding) TrackedFields() map[string]string {
	return map[string]string{
		FieldSeverity:     string(f.Severity),
		FieldStatus:       string(f.Status),
		FieldWorkflow:     string(f.Workflow),
		FieldCompliance:   string(f.Compliance),
		FieldVerification: string(f.Verification),
	}
}
