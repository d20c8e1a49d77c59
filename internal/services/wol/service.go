// Package wol wakes the machine hosting a borg repository and waits until it
// answers.
package wol

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"

	"github.com/raldone01/borgback/internal/models"
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig) *models.WOLResult
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dialer allows mocking TCP probes.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultClient sends magic packets with mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet for mac to addr (host:port).
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(addr, mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements Service.
type Impl struct {
	wolClient  Client
	httpClient HTTPClient
	dialer     Dialer
	logger     zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient:  &DefaultClient{},
		httpClient: &http.Client{Timeout: 5 * time.Second},
		dialer:     &net.Dialer{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, httpClient HTTPClient, dialer Dialer) *Impl {
	return &Impl{
		wolClient:  wolClient,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
	}
}

// Wake sends the magic packet and, if a poll target is configured, waits until
// the host answers and the stabilize period passed. Failures are reported in
// the result, the caller decides whether they are fatal.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig) *models.WOLResult {
	result := &models.WOLResult{}
	start := time.Now()
	finish := func(err error) *models.WOLResult {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result
	}

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		return finish(fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err))
	}
	ip := net.ParseIP(cfg.BroadcastIP)
	if ip == nil {
		return finish(fmt.Errorf("invalid broadcast IP %q", cfg.BroadcastIP))
	}

	var probe func(context.Context) error
	if cfg.PollURL != "" {
		probe, err = s.prober(cfg.PollURL)
		if err != nil {
			return finish(err)
		}
	}

	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("broadcast", cfg.BroadcastIP).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(net.JoinHostPort(ip.String(), "9"), mac); err != nil {
		return finish(err)
	}
	result.PacketSent = true

	if probe == nil {
		result.HostReady = true
		return finish(nil)
	}

	s.logger.Info().
		Str("target", cfg.PollURL).
		Dur("timeout", cfg.Timeout).
		Msg("waiting for repository host")

	if err := s.waitFor(ctx, cfg, probe); err != nil {
		return finish(err)
	}

	if cfg.StabilizeWait > 0 {
		s.logger.Debug().Dur("wait", cfg.StabilizeWait).Msg("waiting for repository host to settle")
		timer := time.NewTimer(cfg.StabilizeWait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return finish(ctx.Err())
		case <-timer.C:
		}
	}

	result.HostReady = true
	finish(nil)
	s.logger.Info().Dur("duration", result.WaitDuration).Msg("repository host is ready")
	return result
}

// prober returns the probe for target: an HTTP GET for http(s) URLs, a TCP
// connect for tcp://host:port (for example the ssh port of the borg server).
func (s *Impl) prober(target string) (func(context.Context) error, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid poll target %q: %w", target, err)
	}

	switch u.Scheme {
	case "http", "https":
		return func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			resp, err := s.httpClient.Do(req)
			if err != nil {
				return err
			}
			// Any response means the host is up.
			return resp.Body.Close()
		}, nil
	case "tcp":
		if u.Port() == "" {
			return nil, fmt.Errorf("poll target %q has no port", target)
		}
		return func(ctx context.Context) error {
			conn, err := s.dialer.DialContext(ctx, "tcp", u.Host)
			if err != nil {
				return err
			}
			return conn.Close()
		}, nil
	}
	return nil, fmt.Errorf("poll target %q: unsupported scheme %q", target, u.Scheme)
}

func (s *Impl) waitFor(ctx context.Context, cfg models.WOLConfig, probe func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		err := probe(ctx)
		if err == nil {
			return nil
		}
		s.logger.Debug().Err(err).Msg("repository host not ready yet")

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("timeout after %s waiting for %s", cfg.Timeout, cfg.PollURL)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
