package common

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/pankaj-dahiya-devops/hubsync/internal/version"
)

// defaultHomeRegion is used when neither the caller nor the profile names a
// region, so that SDK clients can still be constructed.
const defaultHomeRegion = "us-east-1"

// DefaultAWSClientProvider is the production implementation of AWSClientProvider.
// It reads credentials through the standard SDK v2 default chain (environment,
// shared config/credentials files, SSO, instance role).
type DefaultAWSClientProvider struct {
	factory    ClientFactory
	homeRegion string
}

// NewDefaultAWSClientProvider returns a provider backed by the real AWS SDK.
// homeRegion overrides the profile's configured region when non-empty.
func NewDefaultAWSClientProvider(homeRegion string) *DefaultAWSClientProvider {
	return &DefaultAWSClientProvider{factory: NewClientSet, homeRegion: homeRegion}
}

// NewDefaultAWSClientProviderWithFactory returns a provider that uses f to
// create its ClientSet. Pass a mock factory in tests.
func NewDefaultAWSClientProviderWithFactory(f ClientFactory, homeRegion string) *DefaultAWSClientProvider {
	return &DefaultAWSClientProvider{factory: f, homeRegion: homeRegion}
}

// LoadProfile loads the AWS SDK config for the named profile and returns a
// ProfileConfig including the resolved account ID.
func (p *DefaultAWSClientProvider) LoadProfile(ctx context.Context, profile string) (*ProfileConfig, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithAppID(version.AppID()),
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if p.homeRegion != "" {
		opts = append(opts, awsconfig.WithRegion(p.homeRegion))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS profile %q: %w", profileDisplayName(profile), err)
	}
	if cfg.Region == "" {
		cfg.Region = defaultHomeRegion
	}

	return p.profileFromConfig(ctx, profile, cfg)
}

func (p *DefaultAWSClientProvider) profileFromConfig(ctx context.Context, profile string, cfg aws.Config) (*ProfileConfig, error) {
	clients := p.factory(cfg)

	accountID, err := resolveAccountID(ctx, clients.STS)
	if err != nil {
		return nil, fmt.Errorf("resolve account ID for profile %q: %w", profileDisplayName(profile), err)
	}

	return &ProfileConfig{
		ProfileName: profileDisplayName(profile),
		AccountID:   accountID,
		Region:      cfg.Region,
		Config:      cfg,
		Clients:     clients,
	}, nil
}

// GetActiveRegions returns the regions the account has opted into, sorted.
// EC2 DescribeRegions is answered from any region, so the home-region client
// is used.
func (p *DefaultAWSClientProvider) GetActiveRegions(ctx context.Context, cfg *ProfileConfig) ([]string, error) {
	out, err := cfg.Clients.EC2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		// AllRegions false returns only enabled / opted-in regions.
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("describe regions for profile %q: %w", cfg.ProfileName, err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if r.RegionName != nil {
			regions = append(regions, *r.RegionName)
		}
	}
	sort.Strings(regions)
	return regions, nil
}

// ConfigForRegion returns a copy of cfg.Config with Region set to region.
func (p *DefaultAWSClientProvider) ConfigForRegion(cfg *ProfileConfig, region string) aws.Config {
	regional := cfg.Config.Copy()
	regional.Region = region
	return regional
}

// profileDisplayName returns a human-readable profile identifier. An empty
// string (the default chain) is shown as "default".
func profileDisplayName(profile string) string {
	if profile == "" {
		return "default"
	}
	return profile
}

// resolveAccountID calls STS GetCallerIdentity to retrieve the numeric AWS
// account ID for the loaded credentials.
func resolveAccountID(ctx context.Context, stsClient STSClient) (string, error) {
	out, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("STS GetCallerIdentity: %w", err)
	}
	if out.Account == nil {
		return "", fmt.Errorf("STS GetCallerIdentity returned nil account")
	}
	return aws.ToString(out.Account), nil
}
