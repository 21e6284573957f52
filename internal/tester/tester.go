package tester

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"vlyne/internal/config"
	"vlyne/internal/metrics"
	"vlyne/internal/xray"
	"vlyne/internal/xray/parser"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/errgroup"
)

// Unreachable is the latency reported for a failed or timed-out probe.
const Unreachable int64 = -1

const DefaultPingTimeout = 3000 * time.Millisecond

// Ping measures a raw TCP connect to host:port in milliseconds. It returns
// Unreachable on error or once timeout elapses, whichever comes first.
func Ping(ctx context.Context, host string, port int, timeout time.Duration) int64 {
	d, err := dial(ctx, host, port, timeout)
	if err != nil {
		return Unreachable
	}
	return d.Milliseconds()
}

func dial(ctx context.Context, host string, port int, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	conn.Close()
	return elapsed, nil
}

// Probe measures one profile.
type Probe func(ctx context.Context, p *parser.Profile) (time.Duration, error)

// TCPProbe connects straight to the server.
func TCPProbe(timeout time.Duration) Probe {
	return func(ctx context.Context, p *parser.Profile) (time.Duration, error) {
		port, err := strconv.Atoi(p.Port)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q", p.Port)
		}
		return dial(ctx, p.Address, port, timeout)
	}
}

// RealProbe fetches url through the profile using an in-process core.
func RealProbe(s config.Settings, url string, timeout time.Duration) Probe {
	return func(ctx context.Context, p *parser.Profile) (time.Duration, error) {
		return RealDelay(ctx, p, s, url, timeout)
	}
}

// ProbeAll runs probe over profiles with at most workers in flight and writes
// each Latency in milliseconds (Unreachable on failure). mc and onDone may be
// nil; onDone is called from worker goroutines.
func ProbeAll(ctx context.Context, profiles []*parser.Profile, workers int, probe Probe, mc *metrics.Collector, onDone func(*parser.Profile)) error {
	if workers <= 0 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range profiles {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := probe(ctx, p)
			if err != nil {
				p.Latency = Unreachable
				if mc != nil {
					mc.RecordFailure(err)
				}
			} else {
				p.Latency = d.Milliseconds()
				if mc != nil {
					mc.RecordSuccess(d)
				}
			}
			if onDone != nil {
				onDone(p)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// CheckTunnel fetches url through the SOCKS5 inbound at socksAddr and reports
// how long the request took. Any 2xx or 3xx status counts as success.
func CheckTunnel(ctx context.Context, socksAddr, url string, timeout time.Duration) (time.Duration, error) {
	client, err := socksClient(socksAddr, timeout)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return elapsed, fmt.Errorf("check failed with status: %d", resp.StatusCode)
	}
	return elapsed, nil
}

func socksClient(socksAddr string, timeout time.Duration) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks dialer does not support contexts")
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:           cd.DialContext,
			ResponseHeaderTimeout: timeout,
			DisableKeepAlives:     true,
		},
		Timeout: timeout,
	}, nil
}

// RealDelay measures an HTTP round trip through p without touching the
// supervised engine: the profile's outbound runs in a throwaway in-process
// core.
func RealDelay(ctx context.Context, p *parser.Profile, s config.Settings, url string, timeout time.Duration) (time.Duration, error) {
	port, instance, err := xray.StartEphemeral(p, s)
	if err != nil {
		return 0, fmt.Errorf("failed to start probe core: %w", err)
	}
	defer instance.Close()

	return CheckTunnel(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), url, timeout)
}
