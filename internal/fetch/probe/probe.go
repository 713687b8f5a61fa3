// Package probe checks target reachability with a lightweight HTTP client
// before a browser session is spent on it. A target behind the auth wall
// still probes fine; the probe only weeds out dead or malformed URLs.
package probe

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config tunes the probe collector.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	// Delay spaces probes against the same domain.
	Delay time.Duration
}

// Result describes the reachability of one target URL.
type Result struct {
	URL        string
	FinalURL   string
	StatusCode int
	Reachable  bool
}

// Prober performs reachability checks through a shared colly collector.
type Prober struct {
	base   *colly.Collector
	logger *zap.Logger
}

// New builds a Prober.
func New(cfg Config, logger *zap.Logger) (*Prober, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []colly.CollectorOption{colly.UserAgent(cfg.UserAgent)}
	base := colly.NewCollector(opts...)
	base.AllowURLRevisit = true
	base.SetRequestTimeout(cfg.RequestTimeout)
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		ForceAttemptHTTP2:     true,
	})
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       cfg.Delay,
	}); err != nil {
		return nil, err
	}

	return &Prober{base: base, logger: logger}, nil
}

// Check probes a single URL and reports whether it answered with a
// non-server-error status. Auth walls and redirects count as reachable.
func (p *Prober) Check(ctx context.Context, rawURL string) (Result, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return Result{URL: rawURL}, err
	}

	collector := p.base.Clone()
	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	var once sync.Once

	collector.OnResponse(func(r *colly.Response) {
		once.Do(func() {
			resultCh <- Result{
				URL:        rawURL,
				FinalURL:   r.Request.URL.String(),
				StatusCode: r.StatusCode,
				Reachable:  r.StatusCode < http.StatusInternalServerError,
			}
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		once.Do(func() {
			// Anti-automation responses arrive as client errors here; the
			// target exists, it just will not talk to a bare client.
			if r != nil && r.StatusCode >= http.StatusBadRequest && r.StatusCode < http.StatusInternalServerError {
				resultCh <- Result{
					URL:        rawURL,
					FinalURL:   rawURL,
					StatusCode: r.StatusCode,
					Reachable:  true,
				}
				return
			}
			if err == nil {
				err = errors.New("probe produced no response")
			}
			errCh <- err
		})
	})

	if err := collector.Visit(rawURL); err != nil {
		return Result{URL: rawURL}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return Result{URL: rawURL}, err
		}
		p.logger.Debug("probe finished",
			zap.String("url", rawURL),
			zap.Int("status", res.StatusCode),
			zap.Bool("reachable", res.Reachable))
		return res, nil
	case err := <-errCh:
		return Result{URL: rawURL}, err
	default:
		return Result{URL: rawURL}, errors.New("probe produced no result")
	}
}
