package findings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/securityhub"
	shtypes "github.com/aws/aws-sdk-go-v2/service/securityhub/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/providers/aws/common"
)

// ErrNoMorePages is returned by NextPage once the pager is exhausted.
var ErrNoMorePages = errors.New("no more pages")

// Filters narrows the upstream findings query. Values inside one list are
// OR-ed by the API; distinct lists are AND-ed.
type Filters struct {
	RecordStates      []string
	SeverityLabels    []string
	ProductNames      []string
	UpdatedWithinDays int
}

// FetchOptions bounds the work done for one region.
type FetchOptions struct {
	PageSize          int32
	MaxPages          int
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	RegionTimeout     time.Duration
	RequestsPerSecond float64
	Burst             int
	Filters           Filters
}

// Page is one upstream page of raw records for a region.
type Page struct {
	Region  string
	Number  int
	Records []shtypes.AwsSecurityFinding

	// Truncated is set on the last page returned because MaxPages was
	// reached while the upstream still reported a continuation cursor.
	Truncated bool
}

// RetryHook is notified before each backoff sleep.
type RetryHook func(region string, kind ingesterr.FetchKind)

// Fetcher builds region pagers against the Security Hub GetFindings API.
type Fetcher struct {
	provider common.AWSClientProvider
	profile  *common.ProfileConfig
	factory  HubClientFactory
	opts     FetchOptions
	logger   zerolog.Logger
	onRetry  RetryHook
	now      func() time.Time
}

// NewFetcher returns a Fetcher backed by production SDK clients.
func NewFetcher(provider common.AWSClientProvider, profile *common.ProfileConfig, opts FetchOptions, logger zerolog.Logger) *Fetcher {
	return NewFetcherWithFactory(NewHubClient, provider, profile, opts, logger)
}

// NewFetcherWithFactory returns a Fetcher that uses f to build clients.
func NewFetcherWithFactory(
	f HubClientFactory,
	provider common.AWSClientProvider,
	profile *common.ProfileConfig,
	opts FetchOptions,
	logger zerolog.Logger,
) *Fetcher {
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 100
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 1
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 3
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Fetcher{
		provider: provider,
		profile:  profile,
		factory:  f,
		opts:     opts,
		logger:   logger.With().Str("component", "fetcher").Logger(),
		now:      time.Now,
	}
}

// OnRetry registers a hook invoked for every retried request.
func (f *Fetcher) OnRetry(h RetryHook) { f.onRetry = h }

// Pages returns a pager for region. The region's wall-clock budget starts
// now: every request made by the pager is bounded by RegionTimeout from this
// call regardless of how many pages have been read.
func (f *Fetcher) Pages(region string) *Pager {
	cfg := f.provider.ConfigForRegion(f.profile, region)
	p := &Pager{
		client:  f.factory(cfg),
		region:  region,
		opts:    f.opts,
		input:   baseInput(f.opts),
		limiter: rate.NewLimiter(rate.Limit(f.opts.RequestsPerSecond), f.opts.Burst),
		logger:  f.logger.With().Str("region", region).Logger(),
		onRetry: f.onRetry,
	}
	if f.opts.RegionTimeout > 0 {
		p.deadline = f.now().Add(f.opts.RegionTimeout)
	}
	return p
}

// Pager walks the cursor-paginated findings of one region. It is finite
// (bounded by MaxPages) and cannot be restarted.
type Pager struct {
	client  HubAPI
	region  string
	opts    FetchOptions
	input   securityhub.GetFindingsInput
	limiter *rate.Limiter
	logger  zerolog.Logger
	onRetry RetryHook

	deadline  time.Time
	nextToken *string
	pages     int
	done      bool
}

// HasMorePages reports whether NextPage may be called.
func (p *Pager) HasMorePages() bool {
	return !p.done && p.pages < p.opts.MaxPages
}

// Close ends the pager. Further NextPage calls return ErrNoMorePages.
func (p *Pager) Close() {
	p.done = true
	p.nextToken = nil
}

// Deadline returns the end of the region's wall-clock budget. ok is false
// when RegionTimeout is not set.
func (p *Pager) Deadline() (deadline time.Time, ok bool) {
	return p.deadline, !p.deadline.IsZero()
}

// NextPage fetches the next page. Throttling and transient errors are
// retried with exponential backoff and jitter; authorization errors fail
// immediately. Any returned error is a *ingesterr.RegionFetchError and ends
// the pager.
func (p *Pager) NextPage(ctx context.Context) (Page, error) {
	if !p.HasMorePages() {
		return Page{}, ErrNoMorePages
	}

	reqCtx, cancel := p.requestContext(ctx)
	defer cancel()

	input := p.input
	input.NextToken = p.nextToken

	attempts := 0
	out, err := backoff.Retry(reqCtx, func() (*securityhub.GetFindingsOutput, error) {
		attempts++
		if err := p.wait(reqCtx); err != nil {
			return nil, backoff.Permanent(err)
		}
		out, err := p.client.GetFindings(reqCtx, &input)
		if err != nil {
			if classify(err).Retryable() {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return out, nil
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			kind := classify(err)
			p.logger.Debug().Err(err).Str("kind", string(kind)).Int("attempt", attempts).
				Dur("backoff", next).Msg("retrying findings page")
			if p.onRetry != nil {
				p.onRetry(p.region, kind)
			}
		}),
	)
	if err != nil {
		p.done = true
		return Page{}, p.fetchError(ctx, err, attempts)
	}

	p.pages++
	page := Page{Region: p.region, Number: p.pages, Records: out.Findings}

	token := aws.ToString(out.NextToken)
	if token == "" {
		p.done = true
	} else {
		p.nextToken = out.NextToken
		if p.pages >= p.opts.MaxPages {
			page.Truncated = true
			p.logger.Warn().Int("max_pages", p.opts.MaxPages).Msg("page cap reached; remaining findings skipped this run")
		}
	}

	p.logger.Debug().Int("page", page.Number).Int("records", len(page.Records)).Msg("fetched findings page")
	return page, nil
}

func (p *Pager) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, p.deadline)
}

// wait blocks on the region rate limiter. A wait that cannot finish before
// the region deadline is reported as a deadline error.
func (p *Pager) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("rate limiter: %v: %w", err, context.DeadlineExceeded)
	}
	return nil
}

func (p *Pager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// fetchError wraps err with the region, failure kind, and page number.
func (p *Pager) fetchError(ctx context.Context, err error, attempts int) error {
	kind := classify(err)
	if kind == ingesterr.FetchTimeout && ctx.Err() == nil && !p.deadline.IsZero() {
		err = fmt.Errorf("region timeout %s exceeded: %w", p.opts.RegionTimeout, err)
	}
	if kind == ingesterr.FetchThrottled {
		err = &ingesterr.ThrottlingError{Attempts: attempts, Err: err}
	}
	return &ingesterr.RegionFetchError{Region: p.region, Kind: kind, Page: p.pages + 1, Err: err}
}

// baseInput builds the GetFindings request shared by every page.
func baseInput(opts FetchOptions) securityhub.GetFindingsInput {
	return securityhub.GetFindingsInput{
		Filters:    buildFilters(opts.Filters),
		MaxResults: aws.Int32(opts.PageSize),
	}
}

func buildFilters(f Filters) *shtypes.AwsSecurityFindingFilters {
	filters := &shtypes.AwsSecurityFindingFilters{
		RecordState:   equalsAny(f.RecordStates),
		SeverityLabel: equalsAny(f.SeverityLabels),
		ProductName:   equalsAny(f.ProductNames),
	}
	if f.UpdatedWithinDays > 0 {
		filters.UpdatedAt = []shtypes.DateFilter{{
			DateRange: &shtypes.DateRange{
				Unit:  shtypes.DateRangeUnitDays,
				Value: aws.Int32(int32(f.UpdatedWithinDays)),
			},
		}}
	}
	return filters
}

func equalsAny(values []string) []shtypes.StringFilter {
	if len(values) == 0 {
		return nil
	}
	out := make([]shtypes.StringFilter, 0, len(values))
	for _, v := range values {
		out = append(out, shtypes.StringFilter{
			Comparison: shtypes.StringFilterComparisonEquals,
			Value:      aws.String(v),
		})
	}
	return out
}
