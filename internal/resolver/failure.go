package resolver

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FailureType categorizes why a resolve attempt failed.
type FailureType string

const (
	FailureNone        FailureType = "none"
	FailureTimeout     FailureType = "timeout"
	FailureCancelled   FailureType = "cancelled"
	FailureTransport   FailureType = "transport"
	FailureRateLimited FailureType = "rate_limited"
	FailureBadResponse FailureType = "bad_response"
	// FailureRejected is a request the endpoint refused outright.
	FailureRejected FailureType = "rejected"
)

// Retryable reports whether another resolver could plausibly succeed.
func (f FailureType) Retryable() bool {
	switch f {
	case FailureTimeout, FailureTransport, FailureRateLimited, FailureBadResponse:
		return true
	}
	return false
}

// Classify maps a Resolve error to a failure type. Unknown errors count as
// transport failures.
func Classify(err error) FailureType {
	if err == nil {
		return FailureNone
	}
	switch {
	case errors.Is(err, context.Canceled):
		return FailureCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, ErrBadResponse):
		return FailureBadResponse
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTP(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyHTTP(reqErr.HTTPStatusCode)
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return FailureTimeout
		case codes.Canceled:
			return FailureCancelled
		case codes.ResourceExhausted:
			return FailureRateLimited
		case codes.InvalidArgument, codes.Unimplemented, codes.PermissionDenied, codes.Unauthenticated, codes.NotFound:
			return FailureRejected
		case codes.Internal, codes.DataLoss:
			return FailureBadResponse
		}
	}
	return FailureTransport
}

func classifyHTTP(code int) FailureType {
	switch {
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return FailureTimeout
	case code >= 500 || code == 0:
		return FailureTransport
	}
	return FailureRejected
}
