package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// largeTransferThreshold is the Content-Length above which a request is
// treated as a "large transfer" (§4.8 step 4/5): it gets the long-timeout,
// HTTP/1.1-only pool instead of the general pool.
const largeTransferThreshold = 10 << 20 // 10 MiB

// isLargeTransfer classifies a request by its advertised Content-Length.
// Chunked/unknown-length requests are treated as ordinary (general pool).
func isLargeTransfer(contentLength int64) bool {
	return contentLength > largeTransferThreshold
}

// deadlineFor returns the per-call timeout for a request, per §4.8 step 4:
// 10s by default, 30 minutes for large transfers.
func deadlineFor(contentLength int64) time.Duration {
	if isLargeTransfer(contentLength) {
		return 30 * time.Minute
	}
	return 10 * time.Second
}

// newGeneralTransport builds the general connection pool: 100 max
// conns/host, 2 minute idle timeout, HTTP/2 allowed, TCP keep-alive 60s
// (one period for both the first probe and later ones). It sets no total
// connection lifetime: a connection that keeps being reused stays open.
func newGeneralTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       2 * time.Minute,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		// net/http has no first-class knob for total connection lifetime;
		// only IdleConnTimeout applies, so connections left unused for 2
		// minutes are closed by the transport's own idle reaper.
	}
}

// newLargeTransferTransport builds the large-transfer pool: 20 max
// conns/host, 30s keep-alive, HTTP/1.1 only (TLSNextProto disabled so
// long-lived uploads/downloads aren't multiplexed over a shared HTTP/2
// connection that a slow peer could stall for every other stream).
func newLargeTransferTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       20,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       10 * time.Minute,
		ExpectContinueTimeout: 1 * time.Second,
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
}
