package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is against any error returned by the
// engine.
var (
	ErrSourceUnreachable     = errors.New("source unreachable")
	ErrSourceMetadataMissing = errors.New("source metadata missing")
	ErrRangeFetch            = errors.New("range fetch failed")
	ErrSessionRejected       = errors.New("upload session rejected")
	ErrAuthExpired           = errors.New("authorization expired")
	ErrRetryableTransport    = errors.New("retryable transport error")
	ErrFatalProtocol         = errors.New("fatal protocol error")
	ErrMalformedCompletion   = errors.New("malformed completion response")
	ErrCancelled             = errors.New("transfer cancelled")
	ErrNotResumable          = errors.New("transfer cannot be resumed")
)

const maxErrorBody = 512

// TransferError carries enough context to diagnose a failure or resume the
// transfer by hand: the last confirmed cursor, the attempt count and the
// destination's status code and body.
type TransferError struct {
	Kind       error
	Op         string
	TransferID string
	Cursor     int64
	Attempt    int
	StatusCode int
	Body       string
	Err        error
}

func (e *TransferError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Body != "" {
		body := e.Body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody] + "..."
		}
		fmt.Fprintf(&b, ": %s", body)
	}
	if e.Cursor > 0 || e.Attempt > 0 {
		fmt.Fprintf(&b, " [cursor=%d attempt=%d]", e.Cursor, e.Attempt)
	}
	return b.String()
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *TransferError {
	return &TransferError{Kind: kind, Op: op, Err: err}
}

// statusError builds an error from a non-success HTTP reply.
func statusError(kind error, op string, code int, body []byte) *TransferError {
	return &TransferError{Kind: kind, Op: op, StatusCode: code, Body: string(body)}
}

// classifyStatus maps a failed destination reply onto the error taxonomy.
// Authorization failures need re-authentication, throttling and server errors
// are worth retrying, and everything else is final.
func classifyStatus(code int) error {
	switch {
	case code == 401 || code == 403:
		return ErrAuthExpired
	case code == 429 || code >= 500:
		return ErrRetryableTransport
	default:
		return ErrFatalProtocol
	}
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrRetryableTransport)
}

// annotate fills in transfer context on the outermost TransferError, wrapping
// foreign errors as fatal.
func annotate(err error, s *Session, attempt int) *TransferError {
	var te *TransferError
	if !errors.As(err, &te) {
		te = newError(ErrFatalProtocol, "relay", err)
	}
	te.TransferID = s.ID
	te.Cursor = s.Cursor
	if attempt > te.Attempt {
		te.Attempt = attempt
	}
	return te
}
