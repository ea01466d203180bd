package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/ibeckermayer/threadmirror/internal/browser"
)

// Credentials fill the X login form automatically. Leaving them empty makes
// Login wait for the user to log in by hand.
type Credentials struct {
	Username string
	Password string
}

// Manager handles X.com authentication
type Manager struct {
	cookieStore *CookieStore
	browser     browser.Config
	log         zerolog.Logger

	// LoginTimeout bounds how long Login waits for the home page
	LoginTimeout time.Duration
}

// NewManager creates a new auth manager. Login always uses a visible browser.
func NewManager(cookieStore *CookieStore, cfg browser.Config, log zerolog.Logger) *Manager {
	cfg.Headless = false
	return &Manager{
		cookieStore:  cookieStore,
		browser:      cfg,
		log:          log.With().Str("component", "auth").Logger(),
		LoginTimeout: 5 * time.Minute,
	}
}

// IsAuthenticated checks if we have valid stored credentials
func (m *Manager) IsAuthenticated() bool {
	return m.cookieStore.IsValid()
}

// Check reports why the stored session is unusable, or nil
func (m *Manager) Check() error {
	return m.cookieStore.Check()
}

// Login opens a browser window on the X login page, fills in creds when
// given, and stores the session cookies once the home timeline loads.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	browserCtx, cancel := browser.Start(ctx, m.browser)
	defer cancel()

	if err := chromedp.Run(browserCtx, chromedp.Navigate("https://x.com/login")); err != nil {
		return fmt.Errorf("failed to navigate to login page: %w", err)
	}

	if creds.Username != "" && creds.Password != "" {
		if err := m.fillLogin(browserCtx, creds); err != nil {
			// the user can still finish by hand
			m.log.Warn().Err(err).Msg("Automatic login did not complete")
		}
	} else {
		m.log.Info().Msg("Waiting for manual login in the browser window")
	}

	if err := m.waitForLogin(browserCtx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	cookies, err := m.extractCookies(browserCtx)
	if err != nil {
		return fmt.Errorf("failed to extract cookies: %w", err)
	}

	if err := m.cookieStore.Save(cookies); err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}

	m.log.Info().Int("cookies", len(cookies)).Str("path", m.cookieStore.Path()).Msg("X session stored")
	return nil
}

// fillLogin types the username, then the password, into X's two-step form
func (m *Manager) fillLogin(ctx context.Context, creds Credentials) error {
	stepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := chromedp.Run(stepCtx,
		chromedp.WaitVisible(`input[name="text"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="text"]`, creds.Username+"\n", chromedp.ByQuery),
		chromedp.WaitVisible(`input[name="password"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"]`, creds.Password+"\n", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("failed to fill login form: %w", err)
	}
	return nil
}

// waitForLogin polls until the user has successfully logged in
func (m *Manager) waitForLogin(ctx context.Context) error {
	timeout := time.After(m.LoginTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return errors.New("login timeout exceeded")
		case <-ticker.C:
			var url string
			if err := chromedp.Run(ctx, chromedp.Location(&url)); err != nil {
				continue
			}
			if url != "https://x.com/home" && url != "https://twitter.com/home" {
				continue
			}

			cookies, err := m.extractCookies(ctx)
			if err != nil {
				continue
			}
			for _, c := range cookies {
				if c.Name == "auth_token" && c.Value != "" {
					return nil
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// extractCookies gets all cookies from the browser
func (m *Manager) extractCookies(ctx context.Context) ([]*network.Cookie, error) {
	var cookies []*network.Cookie

	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = storage.GetCookies().Do(ctx)
			return err
		}),
	)

	return cookies, err
}

// Logout clears stored credentials
func (m *Manager) Logout() error {
	return m.cookieStore.Clear()
}

// Cookies returns the stored x.com cookies after checking they are usable
func (m *Manager) Cookies() ([]*network.Cookie, error) {
	if err := m.cookieStore.Check(); err != nil {
		return nil, err
	}
	return m.cookieStore.XCookies()
}
