package findings

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"

	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

func fullRecord() shtypes.AwsSecurityFinding {
	return shtypes.AwsSecurityFinding{
		Id:           aws.String("arn:aws:securityhub:eu-west-1:111122223333:finding/abc"),
		Title:        aws.String("  S3 bucket allows public read  "),
		Description:  aws.String("Bucket policy grants s3:GetObject to *"),
		Severity:     &shtypes.Severity{Label: shtypes.SeverityLabelHigh, Normalized: aws.Int32(70)},
		RecordState:  shtypes.RecordStateActive,
		ProductName:  aws.String("Security Hub"),
		ProductArn:   aws.String("arn:aws:securityhub:eu-west-1::product/aws/securityhub"),
		GeneratorId:  aws.String("aws-foundational-security-best-practices/v/1.0.0/S3.2"),
		AwsAccountId: aws.String("111122223333"),
		Region:       aws.String("eu-west-1"),
		Workflow:     &shtypes.Workflow{Status: shtypes.WorkflowStatusNotified},
		Compliance:   &shtypes.Compliance{Status: shtypes.ComplianceStatusFailed},
		Types:        []string{"Software and Configuration Checks/AWS Security Best Practices"},
		Resources: []shtypes.Resource{
			{Id: aws.String("arn:aws:s3:::public-bucket")},
			{},
		},
		Remediation: &shtypes.Remediation{Recommendation: &shtypes.Recommendation{
			Text: aws.String("Block public access"),
			Url:  aws.String("https://docs.aws.amazon.com/console/securityhub/S3.2/remediation"),
		}},
		CreatedAt:       aws.String("2026-01-02T03:04:05.678Z"),
		UpdatedAt:       aws.String("2026-02-01T00:00:00Z"),
		FirstObservedAt: aws.String("not-a-date"),
	}
}

func TestNormalize_MapsAllFields(t *testing.T) {
	f, err := Normalize(fullRecord(), "us-east-1")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if f.Title != "S3 bucket allows public read" {
		t.Errorf("Title = %q; want trimmed", f.Title)
	}
	if f.Severity != models.SeverityHigh || f.Status != models.StatusActive {
		t.Errorf("Severity/Status = %s/%s", f.Severity, f.Status)
	}
	if f.Workflow != models.WorkflowNotified || f.Compliance != models.ComplianceFailed {
		t.Errorf("Workflow/Compliance = %s/%s", f.Workflow, f.Compliance)
	}
	if f.Verification != models.VerificationNone {
		t.Errorf("Verification = %q; want none", f.Verification)
	}
	if f.Region != "eu-west-1" {
		t.Errorf("Region = %q; record region must win over polled region", f.Region)
	}
	if !reflect.DeepEqual(f.ResourceIDs, []string{"arn:aws:s3:::public-bucket"}) {
		t.Errorf("ResourceIDs = %v", f.ResourceIDs)
	}
	if f.RemediationText != "Block public access" || f.RemediationURL == "" {
		t.Errorf("Remediation = %q %q", f.RemediationText, f.RemediationURL)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 678000000, time.UTC)
	if !f.UpstreamCreatedAt.Equal(want) {
		t.Errorf("UpstreamCreatedAt = %s; want %s", f.UpstreamCreatedAt, want)
	}
	if !f.FirstObservedAt.IsZero() {
		t.Errorf("unparseable FirstObservedAt should be zero, got %s", f.FirstObservedAt)
	}
	if !f.FirstSeenAt.IsZero() || !f.LastUpdatedAt.IsZero() {
		t.Error("Normalize must not set engine timestamps")
	}
}

func TestNormalize_MissingIDIsMalformed(t *testing.T) {
	rec := fullRecord()
	rec.Id = aws.String("   ")
	_, err := Normalize(rec, "us-east-1")
	var me *ingesterr.MalformedRecordError
	if !errors.As(err, &me) {
		t.Fatalf("err = %v; want MalformedRecordError", err)
	}
}

func TestNormalize_UsesPolledRegionWhenAbsent(t *testing.T) {
	rec := fullRecord()
	rec.Region = nil
	f, err := Normalize(rec, "ap-northeast-1")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if f.Region != "ap-northeast-1" {
		t.Errorf("Region = %q; want ap-northeast-1", f.Region)
	}
}

func TestNormalize_UnknownEnumsDoNotFail(t *testing.T) {
	rec := fullRecord()
	rec.Severity = &shtypes.Severity{Label: "SEVERE"}
	rec.RecordState = "DELETED"
	rec.Workflow = &shtypes.Workflow{Status: "ESCALATED"}
	rec.Compliance = &shtypes.Compliance{Status: "MAYBE"}
	rec.VerificationState = "PROBABLY"

	f, err := Normalize(rec, "us-east-1")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if f.Severity != models.SeverityUnknown || f.Status != models.StatusUnknown ||
		f.Workflow != models.WorkflowUnknown || f.Compliance != models.ComplianceUnknown ||
		f.Verification != models.VerificationUnknown {
		t.Errorf("unexpected mapping: %s %s %s %s %s", f.Severity, f.Status, f.Workflow, f.Compliance, f.Verification)
	}
}

func TestNormalize_AbsentOptionalStates(t *testing.T) {
	rec := fullRecord()
	rec.Compliance = nil
	rec.Severity = nil
	rec.Workflow = nil
	rec.WorkflowState = ""

	f, err := Normalize(rec, "us-east-1")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if f.Compliance != models.ComplianceNone {
		t.Errorf("Compliance = %q; want absent", f.Compliance)
	}
	if f.Severity != models.SeverityUnknown || f.Workflow != models.WorkflowUnknown {
		t.Errorf("Severity/Workflow = %s/%s; want UNKNOWN", f.Severity, f.Workflow)
	}
}

func TestNormalizeSeverity_ScoreFallback(t *testing.T) {
	cases := []struct {
		score int32
		want  models.Severity
	}{
		{0, models.SeverityInformational},
		{1, models.SeverityLow},
		{39, models.SeverityLow},
		{40, models.SeverityMedium},
		{69, models.SeverityMedium},
		{70, models.SeverityHigh},
		{89, models.SeverityHigh},
		{90, models.SeverityCritical},
		{100, models.SeverityCritical},
		{101, models.SeverityUnknown},
	}
	for _, tc := range cases {
		got := normalizeSeverity(&shtypes.Severity{Normalized: aws.Int32(tc.score)})
		if got != tc.want {
			t.Errorf("score %d: got %s; want %s", tc.score, got, tc.want)
		}
	}
}

func TestNormalizeWorkflow_LegacyState(t *testing.T) {
	cases := map[shtypes.WorkflowState]models.WorkflowState{
		shtypes.WorkflowStateNew:        models.WorkflowNew,
		shtypes.WorkflowStateAssigned:   models.WorkflowNotified,
		shtypes.WorkflowStateInProgress: models.WorkflowNotified,
		shtypes.WorkflowStateResolved:   models.WorkflowResolved,
		shtypes.WorkflowStateDeferred:   models.WorkflowSuppressed,
	}
	for legacy, want := range cases {
		got := normalizeWorkflow(shtypes.AwsSecurityFinding{WorkflowState: legacy})
		if got != want {
			t.Errorf("legacy %s: got %s; want %s", legacy, got, want)
		}
	}
}

func TestNormalize_FormattingDifferencesCompareEqual(t *testing.T) {
	a := fullRecord()
	b := fullRecord()
	b.Severity = &shtypes.Severity{Label: " high "}
	b.Workflow = &shtypes.Workflow{Status: "notified"}

	fa, _ := Normalize(a, "eu-west-1")
	fb, _ := Normalize(b, "eu-west-1")
	if !reflect.DeepEqual(fa.TrackedFields(), fb.TrackedFields()) {
		t.Errorf("tracked fields differ: %v vs %v", fa.TrackedFields(), fb.TrackedFields())
	}
}
