package whip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"livecast/pkg/retry"
)

const sdpContentType = "application/sdp"

// maxAnswerBytes bounds the SDP answer read from the server.
const maxAnswerBytes = 64 * 1024

// signaler performs the WHIP HTTP exchange: POST the offer, DELETE the
// session resource on teardown.
type signaler struct {
	client    *http.Client
	endpoint  string
	streamKey string
}

// StatusError is returned when the ingest server rejects a request.
type StatusError struct {
	Method string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("whip %s: unexpected status %d: %s", e.Method, e.Status, e.Body)
}

// Unrecoverable is true when the server refused the stream key.
func (e *StatusError) Unrecoverable() bool {
	return e.Method == http.MethodPost &&
		(e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// publish posts offer and returns the SDP answer and the absolute URL of
// the created session resource.
func (s *signaler) publish(ctx context.Context, offer string) (answer, resource string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return "", "", fmt.Errorf("whip: build request: %w", err)
	}
	req.Header.Set("Content-Type", sdpContentType)
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("whip: post offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", "", fmt.Errorf("whip: read answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return "", "", &StatusError{Method: http.MethodPost, Status: resp.StatusCode, Body: string(body)}
	}

	resource, err = resolveLocation(s.endpoint, resp.Header.Get("Location"))
	if err != nil {
		return "", "", err
	}
	return string(body), resource, nil
}

// teardown deletes the session resource. An empty resource is a no-op.
func (s *signaler) teardown(ctx context.Context, resource string) error {
	if resource == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return fmt.Errorf("whip: build request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("whip: delete session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return &StatusError{Method: http.MethodDelete, Status: resp.StatusCode}
	}
}

// errTeardownRejected marks a DELETE the server refused outright.
var errTeardownRejected = errors.New("whip: teardown rejected")

var teardownRetry = retry.Config{
	Enabled:      true,
	MaxAttempts:  2,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2,
	Jitter:       true,
	Permanent:    []error{errTeardownRejected},
}

// release is teardown retried on network errors and 5xx responses.
func (s *signaler) release(ctx context.Context, resource string) error {
	return retry.Do(ctx, teardownRetry, func(ctx context.Context) error {
		err := s.teardown(ctx, resource)
		var se *StatusError
		if errors.As(err, &se) && se.Status < http.StatusInternalServerError {
			return fmt.Errorf("%w: %w", errTeardownRejected, err)
		}
		return err
	})
}

func (s *signaler) authorize(req *http.Request) {
	if s.streamKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.streamKey)
	}
}

// resolveLocation makes a possibly relative Location header absolute.
func resolveLocation(endpoint, location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("whip: response has no Location header")
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("whip: parse endpoint: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("whip: parse location %q: %w", location, err)
	}
	return base.ResolveReference(ref).String(), nil
}
