package findings

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
)

// HubAPI is the narrow Security Hub interface used by the fetcher.
// Only GetFindings is required.
type HubAPI interface {
	GetFindings(ctx context.Context, params *securityhub.GetFindingsInput, optFns ...func(*securityhub.Options)) (*securityhub.GetFindingsOutput, error)
}

// HubClientFactory creates a region-scoped Security Hub client.
// Injection point: tests replace this with a function returning a fake.
type HubClientFactory func(cfg aws.Config) HubAPI

// NewHubClient is the production HubClientFactory. SDK-level retries are
// disabled so the pager's backoff is the single retry policy.
func NewHubClient(cfg aws.Config) HubAPI {
	return securityhub.NewFromConfig(cfg, func(o *securityhub.Options) {
		o.RetryMaxAttempts = 1
	})
}
