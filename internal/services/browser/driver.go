package browser

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/common"
	"github.com/ternarybob/marionet/internal/interfaces"
)

// Driver launches headless Chrome sessions through the devtools protocol.
type Driver struct {
	config *common.BrowserConfig
	logger arbor.ILogger
}

func NewDriver(config *common.BrowserConfig, logger arbor.ILogger) interfaces.BrowserDriver {
	return &Driver{config: config, logger: logger}
}

// Launch starts a browser process and attaches a devtools session to it.
func (d *Driver) Launch(ctx context.Context, opts interfaces.LaunchOptions) (interfaces.BrowserSession, error) {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = d.config.UserAgent
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("no-sandbox", opts.NoSandbox),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(userAgent),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Force the browser process to start now so launch failures surface here
	// instead of on the first action.
	startCtx, cancel := context.WithTimeout(browserCtx, common.Duration(d.config.InitTimeout, 60*time.Second))
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	session := &Session{
		id:             opts.BrowserID,
		ctx:            browserCtx,
		cancelBrowser:  browserCancel,
		cancelAlloc:    allocCancel,
		destroyTimeout: common.Duration(d.config.DestroyTimeout, 30*time.Second),
		stopCh:         make(chan struct{}),
		logger:         d.logger,
	}

	d.logger.Info().Str("browser_id", opts.BrowserID).Msg("Browser session launched")
	return session, nil
}

// Session is a live devtools connection to one browser process.
type Session struct {
	id             string
	ctx            context.Context
	cancelBrowser  context.CancelFunc
	cancelAlloc    context.CancelFunc
	destroyTimeout time.Duration
	logger         arbor.ILogger

	mu         sync.Mutex
	stopCh     chan struct{}
	castCancel context.CancelFunc
	closed     bool
}

func (s *Session) ID() string { return s.id }

// run executes chromedp actions against the session, honoring both the
// caller's context and a cooperative stop request.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	stopWatch := context.AfterFunc(ctx, cancel)
	defer stopWatch()

	s.mu.Lock()
	stopCh := s.stopCh
	s.mu.Unlock()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// CurrentPage returns a page handle once the first target has attached, or
// nil without error while the browser is still settling.
func (s *Session) CurrentPage(ctx context.Context) (interfaces.Page, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var location string
	if err := s.run(probeCtx, chromedp.Location(&location)); err != nil {
		if probeCtx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	return &sessionPage{session: s}, nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var location string
	if err := s.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read current URL: %w", err)
	}
	return location, nil
}

// TabHosts lists the hostnames of all open page targets.
func (s *Session) TabHosts(ctx context.Context) ([]string, error) {
	var infos []*target.Info
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		targets, err := target.GetTargets().Do(ctx)
		if err != nil {
			return err
		}
		infos = targets
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	var hosts []string
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		if u, err := url.Parse(info.URL); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
	}
	return hosts, nil
}

func (s *Session) SetViewport(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport %dx%d", width, height)
	}
	return s.run(ctx, chromedp.EmulateViewport(int64(width), int64(height)))
}

// Stop cooperatively interrupts in-flight actions. The session stays usable
// for teardown afterwards.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	close(s.stopCh)
	s.stopCh = make(chan struct{})
	s.mu.Unlock()
	s.logger.Debug().Str("browser_id", s.id).Msg("Session stop requested")
	return nil
}

// Close tears down the devtools connection and the browser process.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	castCancel := s.castCancel
	s.mu.Unlock()

	if castCancel != nil {
		castCancel()
	}

	done := make(chan struct{})
	go func() {
		chromedp.Cancel(s.ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.destroyTimeout):
		s.logger.Warn().Str("browser_id", s.id).Msg("Graceful browser shutdown timed out, killing process")
	}

	s.cancelBrowser()
	s.cancelAlloc()
	s.logger.Info().Str("browser_id", s.id).Msg("Browser session closed")
	return nil
}

// sessionPage is the single-tab view over a session's active target.
type sessionPage struct {
	session *Session
}

func (p *sessionPage) URL(ctx context.Context) (string, error) {
	return p.session.CurrentURL(ctx)
}

func (p *sessionPage) Navigate(ctx context.Context, pageURL string) error {
	if err := p.session.run(ctx, chromedp.Navigate(pageURL)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", pageURL, err)
	}
	return nil
}

func (p *sessionPage) Click(ctx context.Context, selector string) error {
	if err := p.session.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

func (p *sessionPage) Type(ctx context.Context, selector, text string) error {
	if err := p.session.run(ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to type into %s: %w", selector, err)
	}
	return nil
}

func (p *sessionPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.session.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("element %s not visible within %s: %w", selector, timeout, err)
	}
	return nil
}

func (p *sessionPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.session.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *sessionPage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.session.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page HTML: %w", err)
	}
	return html, nil
}
