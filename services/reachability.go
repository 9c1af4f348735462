package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type ReachabilityCode string

const (
	ReachOK          ReachabilityCode = ""
	ReachNotFound    ReachabilityCode = "not_found"
	ReachHTTPStatus  ReachabilityCode = "http_status"
	ReachContentType ReachabilityCode = "content_type"
	ReachDNS         ReachabilityCode = "dns"
	ReachRefused     ReachabilityCode = "refused"
	ReachTimeout     ReachabilityCode = "timeout"
	ReachReset       ReachabilityCode = "reset"
	ReachNetwork     ReachabilityCode = "network"
)

type ReachabilityResult struct {
	Reachable  bool             `json:"reachable"`
	Code       ReachabilityCode `json:"code,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	StatusCode int              `json:"statusCode,omitempty"`
}

// Some CDNs answer HEAD with generic binary types but serve the real image
// type on GET.
var reachableContentTypes = []string{
	"image/",
	"binary/octet-stream",
	"application/octet-stream",
	"multipart/byteranges",
	"video/",
}

// ReachabilityService probes a URL before a job is created.
type ReachabilityService struct {
	client  *http.Client
	timeout time.Duration
}

const DefaultReachabilityTimeout = 5 * time.Second

func NewReachabilityService(timeout time.Duration) *ReachabilityService {
	if timeout <= 0 {
		timeout = DefaultReachabilityTimeout
	}
	return &ReachabilityService{
		client: &http.Client{
			// 3xx answers count as reachable, so redirects are not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

func (r *ReachabilityService) Check(ctx context.Context, url string) ReachabilityResult {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ReachabilityResult{Code: ReachNetwork, Reason: fmt.Sprintf("Network error: %v", err)}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return unreachableFromNetError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ReachabilityResult{
			Code:       ReachNotFound,
			Reason:     "Resource not found (HTTP 404)",
			StatusCode: resp.StatusCode,
		}
	case resp.StatusCode >= 400:
		return ReachabilityResult{
			Code:       ReachHTTPStatus,
			Reason:     fmt.Sprintf("Server returned error status: %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !acceptedProbeType(ct) {
		return ReachabilityResult{
			Code:       ReachContentType,
			Reason:     fmt.Sprintf("Invalid content type: %s. Expected image/* type.", ct),
			StatusCode: resp.StatusCode,
		}
	}

	return ReachabilityResult{Reachable: true, StatusCode: resp.StatusCode}
}

func acceptedProbeType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range reachableContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func unreachableFromNetError(err error) ReachabilityResult {
	switch classifyNetError(err) {
	case netDNS:
		return ReachabilityResult{Code: ReachDNS, Reason: "Domain not found or DNS lookup failed"}
	case netRefused:
		return ReachabilityResult{Code: ReachRefused, Reason: "Connection refused by server"}
	case netTimeout:
		return ReachabilityResult{Code: ReachTimeout, Reason: "Connection timed out"}
	case netReset:
		return ReachabilityResult{Code: ReachReset, Reason: "Connection reset by server"}
	default:
		return ReachabilityResult{Code: ReachNetwork, Reason: fmt.Sprintf("Network error: %v", err)}
	}
}
