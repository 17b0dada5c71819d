package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/jguan/mcpcheck/pkg/failure"
)

const (
	defaultProbeInterval = 200 * time.Millisecond
	probeTimeout         = 2 * time.Second
)

// WaitUntilReady polls url with GET until it answers below 400 or timeout
// elapses. Probes are paced at one per interval.
func WaitUntilReady(ctx context.Context, client *http.Client, url string, timeout, interval time.Duration) error {
	if client == nil {
		client = http.DefaultClient
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	lastErr := fmt.Errorf("no probe completed")
	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		err := probe(ctx, client, url)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return failure.Newf(failure.KindSetup, "wait until ready",
		"HTTP server at %s did not become ready within %s: %v", url, timeout, lastErr)
}

func probe(ctx context.Context, client *http.Client, url string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
