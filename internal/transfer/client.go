package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jaywantadh/MediaRelay/internal/auth"
)

// maxResponseBody bounds how much of a destination reply is kept.
const maxResponseBody = 1 << 20

// Client talks to a destination speaking the resumable upload protocol.
type Client struct {
	sessionURL string
	httpClient *http.Client
	tokens     auth.TokenSupplier
}

// uploadResult is the destination's answer to a chunk or a status probe.
type uploadResult struct {
	StatusCode int
	Complete   bool
	// Confirmed is the next byte the destination expects. Only meaningful
	// when Complete is false.
	Confirmed int64
	Body      []byte
}

// NewClient creates a destination client that opens sessions at sessionURL.
func NewClient(sessionURL string, httpClient *http.Client, tokens auth.TokenSupplier) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	hc := *httpClient
	// 308 means "resume incomplete" here, not a redirect
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		sessionURL: sessionURL,
		httpClient: &hc,
		tokens:     tokens,
	}
}

// OpenSession starts a resumable upload for asset and returns the session
// handle. It is not idempotent and is never retried.
func (c *Client) OpenSession(ctx context.Context, asset AssetInfo, metadata any) (string, error) {
	const op = "open session"

	body, err := encodeMetadata(metadata)
	if err != nil {
		return "", newError(ErrSessionRejected, op, err)
	}
	token, err := c.bearer(ctx, op)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL, bytes.NewReader(body))
	if err != nil {
		return "", newError(ErrSessionRejected, op, err)
	}
	req.Header.Set(HeaderAuthorization, "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set(HeaderUploadContentLength, strconv.FormatInt(asset.TotalSize, 10))
	req.Header.Set(HeaderUploadContentType, asset.MimeType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newError(ErrSessionRejected, op, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", statusError(ErrAuthExpired, op, resp.StatusCode, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(ErrSessionRejected, op, resp.StatusCode, respBody)
	}

	location := resp.Header.Get(HeaderLocation)
	if location == "" {
		return "", &TransferError{Kind: ErrSessionRejected, Op: op, StatusCode: resp.StatusCode, Err: errors.New("no Location header in reply")}
	}
	handle, err := resolveLocation(c.sessionURL, location)
	if err != nil {
		return "", newError(ErrSessionRejected, op, err)
	}
	return handle, nil
}

// UploadChunk PUTs bytes [start, end] of an asset of total bytes.
func (c *Client) UploadChunk(ctx context.Context, handle string, start, end, total int64, data []byte) (uploadResult, error) {
	return c.put(ctx, "upload chunk", handle, contentRange(start, end, total), data)
}

// QueryStatus sends a zero-byte status probe asking which offset the
// destination has durably received.
func (c *Client) QueryStatus(ctx context.Context, handle string, total int64) (uploadResult, error) {
	return c.put(ctx, "status probe", handle, probeContentRange(total), nil)
}

func (c *Client) put(ctx context.Context, op, handle, rangeHeader string, data []byte) (uploadResult, error) {
	token, err := c.bearer(ctx, op)
	if err != nil {
		return uploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, handle, bytes.NewReader(data))
	if err != nil {
		return uploadResult{}, newError(ErrFatalProtocol, op, err)
	}
	req.Header.Set(HeaderAuthorization, "Bearer "+token)
	req.Header.Set(HeaderContentRange, rangeHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uploadResult{}, newError(ErrRetryableTransport, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return uploadResult{}, newError(ErrRetryableTransport, op, err)
	}

	res := uploadResult{StatusCode: resp.StatusCode, Body: body}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		res.Complete = true
		return res, nil
	case StatusResumeIncomplete:
		confirmed, err := parseConfirmedRange(resp.Header.Get(HeaderRange))
		if err != nil {
			return res, &TransferError{Kind: ErrFatalProtocol, Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		res.Confirmed = confirmed
		return res, nil
	default:
		return res, statusError(classifyStatus(resp.StatusCode), op, resp.StatusCode, body)
	}
}

func (c *Client) bearer(ctx context.Context, op string) (string, error) {
	if c.tokens == nil {
		return "", newError(ErrAuthExpired, op, auth.ErrNoCredentials)
	}
	token, err := c.tokens.BearerToken(ctx)
	if err != nil {
		return "", newError(ErrAuthExpired, op, err)
	}
	return token, nil
}

func encodeMetadata(metadata any) ([]byte, error) {
	switch m := metadata.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(m) == 0 {
			return []byte("{}"), nil
		}
		return m, nil
	case []byte:
		if len(m) == 0 {
			return []byte("{}"), nil
		}
		return m, nil
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encoding destination metadata: %w", err)
		}
		return b, nil
	}
}

func resolveLocation(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid Location header %q: %w", location, err)
	}
	return b.ResolveReference(ref).String(), nil
}
