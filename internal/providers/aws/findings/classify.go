package findings

import (
	"context"
	"errors"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
)

var throttleCodes = map[string]bool{
	"ThrottlingException":      true,
	"Throttling":               true,
	"TooManyRequestsException": true,
	"LimitExceededException":   true,
	"RequestLimitExceeded":     true,
	"SlowDown":                 true,
}

var authCodes = map[string]bool{
	"AccessDeniedException":       true,
	"AccessDenied":                true,
	"InvalidAccessException":      true,
	"UnauthorizedOperation":       true,
	"UnrecognizedClientException": true,
	"ExpiredTokenException":       true,
	"InvalidClientTokenId":        true,
	"AuthFailure":                 true,
}

var transientCodes = map[string]bool{
	"InternalException":       true,
	"InternalServerError":     true,
	"ServiceUnavailable":      true,
	"RequestTimeout":          true,
	"RequestTimeoutException": true,
}

// classify maps an SDK error onto the fetch failure taxonomy.
func classify(err error) ingesterr.FetchKind {
	switch {
	case errors.Is(err, context.Canceled):
		return ingesterr.FetchCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ingesterr.FetchTimeout
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case throttleCodes[code]:
			return ingesterr.FetchThrottled
		case authCodes[code]:
			return ingesterr.FetchUnauthorized
		case transientCodes[code]:
			return ingesterr.FetchTransient
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusTooManyRequests:
			return ingesterr.FetchThrottled
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return ingesterr.FetchUnauthorized
		case status >= 500:
			return ingesterr.FetchTransient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ingesterr.FetchTransient
	}
	return ingesterr.FetchAPI
}
