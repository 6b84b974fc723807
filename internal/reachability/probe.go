package reachability

import (
	"context"
	"io"
	"net/http"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/metrics"
	"teamchat/internal/privacy"
	"teamchat/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Prober actively checks whether the internet is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProber requests a 204 endpoint and falls back to a 200 endpoint when
// the first one fails or times out.
type HTTPProber struct {
	client      *http.Client
	primaryURL  string
	fallbackURL string
	timeout     time.Duration
	metrics     *metrics.Metrics
	logger      *logrus.Logger
}

func NewHTTPProber(client *http.Client, primaryURL, fallbackURL string, timeout time.Duration, m *metrics.Metrics, logger *logrus.Logger) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	if primaryURL == "" {
		primaryURL = constants.DefaultPrimaryProbeURL
	}
	if fallbackURL == "" {
		fallbackURL = constants.DefaultFallbackProbeURL
	}
	if timeout <= 0 {
		timeout = constants.DefaultProbeTimeout
	}
	return &HTTPProber{
		client:      client,
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		timeout:     timeout,
		metrics:     m,
		logger:      logger,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, "reachability.probe")
	defer span.End()

	if err := p.check(ctx, "primary", p.primaryURL, http.StatusNoContent); err == nil {
		span.SetAttributes(attribute.String("probe.target", "primary"))
		return true
	}
	err := p.check(ctx, "fallback", p.fallbackURL, http.StatusOK)
	span.SetAttributes(attribute.String("probe.target", "fallback"), attribute.Bool("probe.ok", err == nil))
	if err != nil {
		tracing.RecordError(ctx, err)
		return false
	}
	return true
}

func (p *HTTPProber) check(ctx context.Context, target, url string, want int) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	logger := p.logger.WithFields(logrus.Fields{
		"target":              target,
		constants.LogFieldURL: privacy.MaskURL(url),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.metrics.ObserveProbe(target, false)
		probeErr := errors.NewProbeError(target, 0, err)
		errors.Entry(logger, probeErr).Warn("Failed to build reachability probe")
		return probeErr
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.ObserveProbe(target, false)
		probeErr := errors.NewProbeError(target, 0, err)
		errors.Entry(logger, probeErr).Debug("Reachability probe failed")
		return probeErr
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	ok := resp.StatusCode == want
	p.metrics.ObserveProbe(target, ok)
	logger.WithField(constants.LogFieldStatusCode, resp.StatusCode).Debug("Reachability probe completed")
	if !ok {
		return errors.NewProbeError(target, resp.StatusCode, nil)
	}
	return nil
}
