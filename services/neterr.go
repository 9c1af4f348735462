package services

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

type netFailure string

const (
	netDNS     netFailure = "dns"
	netRefused netFailure = "refused"
	netTimeout netFailure = "timeout"
	netReset   netFailure = "reset"
	netOther   netFailure = "network"
)

// classifyNetError maps a transport error onto the failure classes callers
// surface to users. A resolver timeout counts as timeout, any other
// resolver error as dns.
func classifyNetError(err error) netFailure {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout && !dnsErr.IsNotFound {
			return netTimeout
		}
		return netDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return netRefused
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return netReset
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return netTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return netTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return netReset
	}
	return netOther
}
