package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReachabilityService_Check(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		contentType string
		reachable   bool
		code        ReachabilityCode
	}{
		{"jpeg", http.StatusOK, "image/jpeg", true, ReachOK},
		{"octet stream from cdn", http.StatusOK, "binary/octet-stream", true, ReachOK},
		{"application octet stream", http.StatusOK, "application/octet-stream", true, ReachOK},
		{"video", http.StatusOK, "video/mp4", true, ReachOK},
		{"no content type", http.StatusOK, "", true, ReachOK},
		{"redirect is not followed", http.StatusFound, "", true, ReachOK},
		{"html", http.StatusOK, "text/html; charset=utf-8", false, ReachContentType},
		{"not found", http.StatusNotFound, "", false, ReachNotFound},
		{"server error", http.StatusInternalServerError, "", false, ReachHTTPStatus},
		{"forbidden", http.StatusForbidden, "", false, ReachHTTPStatus},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				if tt.status == http.StatusFound {
					w.Header().Set("Location", "/elsewhere")
				}
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			res := NewReachabilityService(time.Second).Check(context.Background(), ts.URL+"/img")
			assert.Equal(t, tt.reachable, res.Reachable)
			assert.Equal(t, tt.code, res.Code)
			if !tt.reachable {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestReachabilityService_NotFoundReason(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	res := NewReachabilityService(time.Second).Check(context.Background(), ts.URL)
	assert.Equal(t, "Resource not found (HTTP 404)", res.Reason)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestReachabilityService_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	res := NewReachabilityService(50*time.Millisecond).Check(context.Background(), ts.URL)
	assert.False(t, res.Reachable)
	assert.Equal(t, ReachTimeout, res.Code)
	assert.Equal(t, "Connection timed out", res.Reason)
}

func TestReachabilityService_ZeroTimeoutUsesDefault(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	}))
	defer ts.Close()

	r := NewReachabilityService(0)
	assert.Equal(t, DefaultReachabilityTimeout, r.timeout)

	result := r.Check(context.Background(), ts.URL+"/a.png")
	assert.True(t, result.Reachable, result.Reason)
	assert.Equal(t, ReachOK, result.Code)
}

func TestReachabilityService_NetworkErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		code   ReachabilityCode
		reason string
	}{
		{syscall.ECONNREFUSED, ReachRefused, "Connection refused by server"},
		{syscall.ECONNRESET, ReachReset, "Connection reset by server"},
	}
	for _, tt := range tests {
		svc := NewReachabilityService(time.Second)
		svc.client.Transport = roundTripFunc(func(*http.Request) (*http.Response, error) {
			return nil, tt.err
		})

		res := svc.Check(context.Background(), "http://images.example/cat.jpg")
		assert.False(t, res.Reachable)
		assert.Equal(t, tt.code, res.Code)
		assert.Equal(t, tt.reason, res.Reason)
	}
}

func TestReachabilityService_InvalidURL(t *testing.T) {
	t.Parallel()

	res := NewReachabilityService(time.Second).Check(context.Background(), "http://bad host/")
	assert.False(t, res.Reachable)
	assert.Equal(t, ReachNetwork, res.Code)
}
