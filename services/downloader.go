package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

const DefaultMaxDownloadBytes int64 = 10 * 1024 * 1024

type DownloadReason string

const (
	DownloadDNS          DownloadReason = "dns"
	DownloadRefused      DownloadReason = "refused"
	DownloadTimeout      DownloadReason = "timeout"
	DownloadReset        DownloadReason = "reset"
	DownloadNotFound     DownloadReason = "http_404"
	DownloadClientError  DownloadReason = "http_4xx"
	DownloadServerError  DownloadReason = "http_5xx"
	DownloadContentType  DownloadReason = "content_type_invalid"
	DownloadSizeExceeded DownloadReason = "size_exceeded"
	DownloadUnknown      DownloadReason = "unknown"
)

type DownloadError struct {
	Reason     DownloadReason
	StatusCode int
	Message    string
	Cause      error
}

func (e *DownloadError) Error() string {
	return e.Message
}

func (e *DownloadError) Unwrap() error {
	return e.Cause
}

type DownloadOptions struct {
	MaxBytes    int64
	HeadTimeout time.Duration
	GetTimeout  time.Duration
}

// DownloadService fetches input images. A HEAD probe rejects wrong types and
// oversized payloads before any body is transferred.
type DownloadService struct {
	client *http.Client
	opts   DownloadOptions
}

func NewDownloadService(opts DownloadOptions) *DownloadService {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxDownloadBytes
	}
	if opts.HeadTimeout <= 0 {
		opts.HeadTimeout = 10 * time.Second
	}
	if opts.GetTimeout <= 0 {
		opts.GetTimeout = 30 * time.Second
	}
	return &DownloadService{
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
		opts: opts,
	}
}

func (d *DownloadService) Download(ctx context.Context, url string) ([]byte, error) {
	err := d.probe(ctx, url)
	var derr *DownloadError
	if errors.As(err, &derr) {
		return nil, err
	}
	// Any other HEAD failure (HEAD unsupported, 405, transport error) falls
	// through to GET, which enforces the same checks on its own response.
	return d.fetch(ctx, url)
}

// probe returns a *DownloadError only for content-type and size rejections.
func (d *DownloadService) probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.HeadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HEAD returned status %d", resp.StatusCode)
	}
	if err := checkImageContentType(resp.Header.Get("Content-Type")); err != nil {
		return err
	}
	return d.checkLength(resp.ContentLength)
}

func (d *DownloadService) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.GetTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{Reason: DownloadUnknown, Message: fmt.Sprintf("Invalid request: %v", err), Cause: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, downloadNetError(err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}
	if err := checkImageContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, err
	}
	if err := d.checkLength(resp.ContentLength); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxBytes+1))
	if err != nil {
		return nil, downloadNetError(err)
	}
	if int64(len(body)) > d.opts.MaxBytes {
		return nil, d.sizeError(int64(len(body)))
	}
	return body, nil
}

func (d *DownloadService) checkLength(length int64) error {
	if length > d.opts.MaxBytes {
		return d.sizeError(length)
	}
	return nil
}

func (d *DownloadService) sizeError(size int64) *DownloadError {
	return &DownloadError{
		Reason: DownloadSizeExceeded,
		Message: fmt.Sprintf("File size (%.2fMB) exceeds maximum allowed size of %.0fMB",
			float64(size)/1024/1024, float64(d.opts.MaxBytes)/1024/1024),
	}
}

func checkImageContentType(header string) error {
	if strings.TrimSpace(header) == "" {
		return &DownloadError{Reason: DownloadContentType, Message: "Missing Content-Type header"}
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return &DownloadError{
			Reason:  DownloadContentType,
			Message: fmt.Sprintf("Malformed Content-Type %q", header),
			Cause:   err,
		}
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return &DownloadError{
			Reason:  DownloadContentType,
			Message: fmt.Sprintf("Invalid content type %q, expected image/*", mediaType),
		}
	}
	return nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return &DownloadError{Reason: DownloadNotFound, StatusCode: code, Message: "Resource not found (HTTP 404)"}
	case code >= 400 && code < 500:
		return &DownloadError{Reason: DownloadClientError, StatusCode: code, Message: fmt.Sprintf("Server returned client error status %d", code)}
	case code >= 500:
		return &DownloadError{Reason: DownloadServerError, StatusCode: code, Message: fmt.Sprintf("Server returned error status %d", code)}
	default:
		return &DownloadError{Reason: DownloadUnknown, StatusCode: code, Message: fmt.Sprintf("Unexpected response status %d", code)}
	}
}

func downloadNetError(err error) *DownloadError {
	switch classifyNetError(err) {
	case netDNS:
		return &DownloadError{Reason: DownloadDNS, Message: "Domain not found or DNS lookup failed", Cause: err}
	case netRefused:
		return &DownloadError{Reason: DownloadRefused, Message: "Connection refused by server", Cause: err}
	case netTimeout:
		return &DownloadError{Reason: DownloadTimeout, Message: "Download timed out", Cause: err}
	case netReset:
		return &DownloadError{Reason: DownloadReset, Message: "Connection reset by server", Cause: err}
	default:
		return &DownloadError{Reason: DownloadUnknown, Message: fmt.Sprintf("Network error: %v", err), Cause: err}
	}
}
