package findings

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"

	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// Normalize maps one raw Security Hub record onto the canonical Finding.
// region is the region the record was fetched from; it is used when the
// record does not carry its own region. Unknown enum values map to their
// UNKNOWN variant. A record without an identifier is rejected with a
// *ingesterr.MalformedRecordError.
//
// FirstSeenAt and LastUpdatedAt are left zero; the change detector owns them.
func Normalize(rec shtypes.AwsSecurityFinding, region string) (models.Finding, error) {
	id := strings.TrimSpace(aws.ToString(rec.Id))
	if id == "" {
		return models.Finding{}, &ingesterr.MalformedRecordError{Reason: "missing Id"}
	}

	f := models.Finding{
		ID:           id,
		Title:        strings.TrimSpace(aws.ToString(rec.Title)),
		Description:  strings.TrimSpace(aws.ToString(rec.Description)),
		Severity:     normalizeSeverity(rec.Severity),
		Status:       normalizeRecordState(string(rec.RecordState)),
		ProductName:  strings.TrimSpace(aws.ToString(rec.ProductName)),
		ProductARN:   aws.ToString(rec.ProductArn),
		GeneratorID:  aws.ToString(rec.GeneratorId),
		AccountID:    strings.TrimSpace(aws.ToString(rec.AwsAccountId)),
		Region:       strings.TrimSpace(aws.ToString(rec.Region)),
		Workflow:     normalizeWorkflow(rec),
		Compliance:   normalizeCompliance(rec.Compliance),
		Verification: normalizeVerification(string(rec.VerificationState)),
		Types:        rec.Types,

		UpstreamCreatedAt: parseTimestamp(rec.CreatedAt),
		UpstreamUpdatedAt: parseTimestamp(rec.UpdatedAt),
		FirstObservedAt:   parseTimestamp(rec.FirstObservedAt),
		LastObservedAt:    parseTimestamp(rec.LastObservedAt),
	}
	if f.Region == "" {
		f.Region = region
	}

	for _, r := range rec.Resources {
		if rid := aws.ToString(r.Id); rid != "" {
			f.ResourceIDs = append(f.ResourceIDs, rid)
		}
	}
	if rec.Remediation != nil && rec.Remediation.Recommendation != nil {
		f.RemediationText = aws.ToString(rec.Remediation.Recommendation.Text)
		f.RemediationURL = aws.ToString(rec.Remediation.Recommendation.Url)
	}
	return f, nil
}

func canonical(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalizeSeverity prefers the severity label and falls back to the
// 0-100 normalized score when the label is absent.
func normalizeSeverity(s *shtypes.Severity) models.Severity {
	if s == nil {
		return models.SeverityUnknown
	}
	switch sev := models.Severity(canonical(string(s.Label))); sev {
	case models.SeverityCritical, models.SeverityHigh, models.SeverityMedium,
		models.SeverityLow, models.SeverityInformational:
		return sev
	case "":
		if s.Normalized != nil {
			return severityFromScore(*s.Normalized)
		}
	}
	return models.SeverityUnknown
}

func severityFromScore(score int32) models.Severity {
	switch {
	case score < 0 || score > 100:
		return models.SeverityUnknown
	case score == 0:
		return models.SeverityInformational
	case score < 40:
		return models.SeverityLow
	case score < 70:
		return models.SeverityMedium
	case score < 90:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

func normalizeRecordState(v string) models.RecordStatus {
	switch st := models.RecordStatus(canonical(v)); st {
	case models.StatusActive, models.StatusArchived:
		return st
	}
	return models.StatusUnknown
}

// normalizeWorkflow reads Workflow.Status and falls back to the deprecated
// top-level WorkflowState, whose values differ from the status vocabulary.
func normalizeWorkflow(rec shtypes.AwsSecurityFinding) models.WorkflowState {
	if rec.Workflow != nil && rec.Workflow.Status != "" {
		switch ws := models.WorkflowState(canonical(string(rec.Workflow.Status))); ws {
		case models.WorkflowNew, models.WorkflowNotified, models.WorkflowResolved, models.WorkflowSuppressed:
			return ws
		}
		return models.WorkflowUnknown
	}
	switch canonical(string(rec.WorkflowState)) {
	case "NEW":
		return models.WorkflowNew
	case "ASSIGNED", "IN_PROGRESS":
		return models.WorkflowNotified
	case "RESOLVED":
		return models.WorkflowResolved
	case "DEFERRED":
		return models.WorkflowSuppressed
	}
	return models.WorkflowUnknown
}

func normalizeCompliance(c *shtypes.Compliance) models.ComplianceState {
	if c == nil || c.Status == "" {
		return models.ComplianceNone
	}
	switch cs := models.ComplianceState(canonical(string(c.Status))); cs {
	case models.CompliancePassed, models.ComplianceWarning, models.ComplianceFailed, models.ComplianceNotAvailable:
		return cs
	}
	return models.ComplianceUnknown
}

func normalizeVerification(v string) models.VerificationState {
	if strings.TrimSpace(v) == "" {
		return models.VerificationNone
	}
	switch vs := models.VerificationState(canonical(v)); vs {
	case models.VerificationUnknown, models.VerificationTruePositive,
		models.VerificationFalsePositive, models.VerificationBenign:
		return vs
	}
	return models.VerificationUnknown
}

// parseTimestamp parses an ISO 8601 upstream timestamp. Unparseable values
// are dropped rather than failing the record.
func parseTimestamp(s *string) time.Time {
	v := strings.TrimSpace(aws.ToString(s))
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
