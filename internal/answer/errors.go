package answer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/grpc/codes"
)

var (
	// ErrAuth means the remote service rejected the credential.
	ErrAuth = errors.New("remote service rejected credentials")
	// ErrTimeout means the remote service did not answer in time, after retrying.
	ErrTimeout = errors.New("remote service timed out")
	// ErrTransient marks a failure worth one retry (network errors, 429, 5xx).
	ErrTransient = errors.New("transient remote failure")
	// ErrMalformed marks a request the service refused as invalid.
	ErrMalformed = errors.New("malformed request")
)

// RemoteError carries the remote service's own message.
type RemoteError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote service error (status %d): %s", e.StatusCode, e.Message)
	}
	return "remote service error: " + e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(code int, message string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAuth, message)
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return &RemoteError{StatusCode: code, Message: message, Err: ErrTransient}
	default:
		return &RemoteError{StatusCode: code, Message: message, Err: ErrMalformed}
	}
}

// classifyGoogleError maps Google API errors to error kinds. Errors that are
// not API errors are returned unchanged unless they are network failures.
func classifyGoogleError(err error) error {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var ae *apierror.APIError
	if !errors.As(err, &ae) {
		parsed, ok := apierror.FromError(err)
		if !ok {
			return classifyNetworkError(err)
		}
		ae = parsed
	}

	if ae.Reason() == "API_KEY_INVALID" {
		return fmt.Errorf("%w: %s", ErrAuth, ae.Error())
	}
	if code := ae.HTTPCode(); code > 0 {
		return classifyStatus(code, ae.Error())
	}

	message := ae.Error()
	if s := ae.GRPCStatus(); s != nil {
		message = s.Message()
		switch s.Code() {
		case codes.Unauthenticated, codes.PermissionDenied:
			return fmt.Errorf("%w: %s", ErrAuth, message)
		case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Aborted, codes.DeadlineExceeded:
			return &RemoteError{Message: message, Err: ErrTransient}
		}
	}
	return &RemoteError{Message: message, Err: ErrMalformed}
}

// classifyNetworkError marks connection-level failures as transient.
func classifyNetworkError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RemoteError{Message: err.Error(), Err: errors.Join(ErrTransient, err)}
	}
	return err
}
