// Package browser implements the Fetcher against a real browser session
// driven through the DevTools protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/leadsignal/harvester/internal/harvest"
)

// blockMarkers are URL fragments the platform redirects to when it suspects
// automation. Landing on one of these mid-fetch is a block signal, not an
// error in our navigation.
var blockMarkers = []string{"/checkpoint", "/authwall", "/login", "/challenge", "/verify"}

// Config controls the browsing environment.
type Config struct {
	// BaseURL is the platform origin, e.g. https://www.example.com.
	BaseURL string
	// LoginPath is appended to BaseURL for the credential form.
	LoginPath string
	UserAgent string
	Headless  bool
	// SessionDir holds per-agent cookie snapshots for cross-restart reuse.
	SessionDir string
	// NavTimeout bounds a single navigation (default 45s).
	NavTimeout time.Duration
	// ScrollPasses is how many times an activity feed is scrolled to force
	// lazy content to load (default 3).
	ScrollPasses int
}

// Fetcher drives one headless browser bound to one agent identity.
type Fetcher struct {
	cfg       Config
	extractor Extractor
	logger    *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New constructs a Fetcher; the extractor may be nil to use the default
// markup extractor.
func New(cfg Config, extractor Extractor, logger *zap.Logger) *Fetcher {
	if cfg.LoginPath == "" {
		cfg.LoginPath = "/login"
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 45 * time.Second
	}
	if cfg.ScrollPasses <= 0 {
		cfg.ScrollPasses = 3
	}
	if extractor == nil {
		extractor = NewMarkupExtractor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, extractor: extractor, logger: logger}
}

// Initialize builds the browsing environment for one agent.
func (f *Fetcher) Initialize(ctx context.Context, _ harvest.Identity, proxy string) error {
	f.closeBrowser()

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if proxy != "" {
		opts = append(opts, chromedp.ProxyServer(proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return harvest.NewTransientError("browser warmup", err)
	}

	f.allocCancel = allocCancel
	f.browserCtx = browserCtx
	f.browserCancel = browserCancel
	return nil
}

// Login establishes an authenticated session by submitting the credential
// form, unless a restored session already passes the feed check.
func (f *Fetcher) Login(ctx context.Context, identity harvest.Identity) error {
	if f.browserCtx == nil {
		return harvest.NewTransientError("browser not initialized", nil)
	}
	if f.loggedIn(ctx) {
		f.logger.Debug("restored session still valid")
		return nil
	}

	navCtx, cancel := f.navContext(ctx)
	defer cancel()

	var location string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(f.cfg.BaseURL+f.cfg.LoginPath),
		chromedp.WaitVisible(`#username`, chromedp.ByID),
		chromedp.SendKeys(`#username`, identity.Email, chromedp.ByID),
		chromedp.SendKeys(`#password`, identity.Password, chromedp.ByID),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		chromedp.Sleep(3*time.Second),
		chromedp.Location(&location),
	)
	if err != nil {
		return classifyNavError("login navigation", err)
	}
	if isBlockedURL(location) {
		// A verification wall right after submitting credentials means the
		// identity cannot proceed, not that we were rate limited.
		return harvest.NewAuthError(fmt.Sprintf("verification wall at %s", location), nil)
	}
	if !f.loggedIn(ctx) {
		return harvest.NewAuthError("login did not reach an authenticated page", nil)
	}
	return nil
}

// loggedIn probes the feed page and reports whether the session is live.
func (f *Fetcher) loggedIn(ctx context.Context) bool {
	navCtx, cancel := f.navContext(ctx)
	defer cancel()

	var location string
	err := chromedp.Run(navCtx,
		chromedp.Navigate(f.cfg.BaseURL+"/feed"),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&location),
	)
	if err != nil {
		return false
	}
	return strings.Contains(location, "/feed")
}

// FetchProfile retrieves the raw fields and activity batches for a target.
func (f *Fetcher) FetchProfile(ctx context.Context, target harvest.Target) (harvest.FetchResult, error) {
	if f.browserCtx == nil {
		return harvest.FetchResult{}, harvest.NewTransientError("browser not initialized", nil)
	}
	started := time.Now()

	profileURL := f.profileURL(target)
	page, finalURL, err := f.renderPage(ctx, profileURL, false)
	if err != nil {
		return harvest.FetchResult{}, err
	}
	if isBlockedURL(finalURL) || f.extractor.HasCaptcha(page) {
		return harvest.FetchResult{BlockDetected: true, Duration: time.Since(started)}, nil
	}
	if strings.Contains(finalURL, "/authwall") || strings.Contains(finalURL, "/login") {
		return harvest.FetchResult{AuthValid: false, Duration: time.Since(started)}, nil
	}

	basic, err := f.extractor.Basic(page)
	if err != nil {
		return harvest.FetchResult{}, harvest.NewTransientError("extract basic fields", err)
	}
	employment, err := f.extractor.Employment(page)
	if err != nil {
		return harvest.FetchResult{}, harvest.NewTransientError("extract employment", err)
	}

	raw := harvest.RawProfile{
		TargetID:   target.TargetID,
		Basic:      basic,
		Employment: employment,
		FetchedAt:  time.Now().UTC(),
	}

	for _, feed := range []struct {
		path string
		kind harvest.ActivityKind
	}{
		{"/recent-activity/all/", harvest.KindPost},
		{"/recent-activity/comments/", harvest.KindComment},
		{"/recent-activity/reactions/", harvest.KindReaction},
	} {
		feedPage, feedURL, err := f.renderPage(ctx, strings.TrimSuffix(profileURL, "/")+feed.path, true)
		if err != nil {
			return harvest.FetchResult{}, err
		}
		if isBlockedURL(feedURL) || f.extractor.HasCaptcha(feedPage) {
			return harvest.FetchResult{BlockDetected: true, Duration: time.Since(started)}, nil
		}
		records, err := f.extractor.Activity(feedPage, feed.kind)
		if err != nil {
			return harvest.FetchResult{}, harvest.NewTransientError("extract activity", err)
		}
		if len(records) > 0 {
			raw.Batches = append(raw.Batches, records)
		}
	}

	return harvest.FetchResult{
		Profile:   raw,
		AuthValid: true,
		Duration:  time.Since(started),
	}, nil
}

// renderPage navigates, optionally scrolls lazy feeds, and returns the DOM
// plus the post-redirect URL.
func (f *Fetcher) renderPage(ctx context.Context, url string, scroll bool) (string, string, error) {
	navCtx, cancel := f.navContext(ctx)
	defer cancel()

	actions := []chromedp.Action{
		chromedp.Navigate(url),
		chromedp.Sleep(2 * time.Second),
	}
	if scroll {
		for i := 0; i < f.cfg.ScrollPasses; i++ {
			actions = append(actions,
				chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil),
				chromedp.Sleep(1500*time.Millisecond),
			)
		}
	}
	var html, location string
	actions = append(actions,
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(navCtx, actions...); err != nil {
		return "", "", classifyNavError("navigate "+url, err)
	}
	return html, location, nil
}

func (f *Fetcher) profileURL(target harvest.Target) string {
	if strings.HasPrefix(target.TargetID, "http://") || strings.HasPrefix(target.TargetID, "https://") {
		return target.TargetID
	}
	return f.cfg.BaseURL + "/in/" + target.TargetID
}

func (f *Fetcher) navContext(ctx context.Context) (context.Context, context.CancelFunc) {
	tabCtx, tabCancel := chromedp.NewContext(f.browserCtx)
	deadlineCtx, deadlineCancel := context.WithTimeout(tabCtx, f.cfg.NavTimeout)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			deadlineCancel()
		case <-stop:
		}
	}()
	return deadlineCtx, func() {
		close(stop)
		deadlineCancel()
		tabCancel()
	}
}

type savedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Secure   bool    `json:"secure"`
	HTTPOnly bool    `json:"http_only"`
}

// SaveSession snapshots the browser cookies for cross-restart reuse.
func (f *Fetcher) SaveSession(ctx context.Context, agentID string) error {
	if f.cfg.SessionDir == "" || f.browserCtx == nil {
		return nil
	}
	navCtx, cancel := f.navContext(ctx)
	defer cancel()

	var cookies []*network.Cookie
	err := chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}

	saved := make([]savedCookie, 0, len(cookies))
	for _, c := range cookies {
		saved = append(saved, savedCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.MkdirAll(f.cfg.SessionDir, 0o750); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(f.cfg.SessionDir, agentID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// RestoreSession loads a previously saved cookie snapshot, if one exists.
func (f *Fetcher) RestoreSession(ctx context.Context, agentID string) error {
	if f.cfg.SessionDir == "" || f.browserCtx == nil {
		return nil
	}
	path := filepath.Join(f.cfg.SessionDir, agentID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session: %w", err)
	}
	var saved []savedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}

	navCtx, cancel := f.navContext(ctx)
	defer cancel()
	return chromedp.Run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range saved {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

// Teardown releases the browsing environment.
func (f *Fetcher) Teardown(context.Context) error {
	f.closeBrowser()
	return nil
}

// closeBrowser cancels the browser and allocator contexts. Each Fetcher is
// owned by a single agent goroutine, so no locking is involved.
func (f *Fetcher) closeBrowser() {
	if f.browserCancel != nil {
		f.browserCancel()
		f.browserCancel = nil
	}
	if f.allocCancel != nil {
		f.allocCancel()
		f.allocCancel = nil
	}
	f.browserCtx = nil
}

func isBlockedURL(url string) bool {
	lower := strings.ToLower(url)
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func classifyNavError(reason string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return harvest.NewTransientError(reason+": timeout", err)
	}
	return harvest.NewTransientError(reason, err)
}
