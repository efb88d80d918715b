package tunnelclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const ipCheckURL = "https://api.ipify.org"

// verifyEgressRouting confirms traffic routes through the configured
// egress proxy by comparing the direct public ip with the proxied public
// ip, before the tunnel client trusts that proxy for its connection to
// the tunnel server.
func verifyEgressRouting(ctx context.Context, d *egressDialer) error {
	direct, err := fetchPublicIP(ctx, &http.Client{})
	if err != nil {
		return fmt.Errorf("getting direct ip: %w", err)
	}

	proxied, err := fetchPublicIPThrough(ctx, d)
	if err != nil {
		return fmt.Errorf("getting proxied ip: %w", err)
	}

	if direct == proxied {
		return fmt.Errorf("egress proxy not routing traffic: direct ip %s matches proxied ip %s", direct, proxied)
	}
	return nil
}

// startEgressHealthCheck polls the egress proxy's reachability at
// interval for as long as ctx is alive, signaling the first failure once
// on the returned channel. runSession uses a failure here to force the
// current tunnel session closed so Run's reconnect loop re-verifies
// routing on its next attempt, rather than silently continuing to trust
// a proxy that has stopped working.
func startEgressHealthCheck(ctx context.Context, d *egressDialer, interval, timeout time.Duration) (stop func(), failed <-chan error) {
	done := make(chan struct{})
	errCh := make(chan error, 1)
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, timeout)
				_, err := fetchPublicIPThrough(checkCtx, d)
				cancel()
				if err != nil {
					slog.Error("egress health check failed", "err", err)
					select {
					case errCh <- fmt.Errorf("egress health check: %w", err):
					default:
					}
					return
				}
				slog.Debug("egress health check passed")
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, errCh
}

func fetchPublicIPThrough(ctx context.Context, d *egressDialer) (string, error) {
	transport := &http.Transport{DialContext: d.DialContext}
	return fetchPublicIP(ctx, &http.Client{Transport: transport})
}

func fetchPublicIP(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ipCheckURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid ip address returned: %q", ip)
	}
	return ip, nil
}
