// Package auth keeps the X.com browser session the scraper runs under.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
)

// Session cookie problems reported by CookieStore.Check
var (
	ErrNoSession      = errors.New("no stored x session")
	ErrSessionExpired = errors.New("x session expired")
	ErrMissingCookie  = errors.New("x session lacks auth cookies")
)

// requiredCookies must be present for X to serve timelines
var requiredCookies = []string{"auth_token", "ct0"}

// CookieStore handles storage of X.com session cookies
type CookieStore struct {
	path string
	now  func() time.Time
}

// StoredCookies represents the persisted cookie data
type StoredCookies struct {
	Cookies    []*network.Cookie
	CapturedAt time.Time
	ExpiresAt  time.Time
}

// cookieFile is the on-disk form. Cookies are kept as plain strings so a
// file stays readable when the browser leaves enum fields (priority, source
// scheme) empty or reports values this build does not know.
type cookieFile struct {
	Cookies    []savedCookie `json:"cookies"`
	CapturedAt time.Time     `json:"captured_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

type savedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

func toSaved(c *network.Cookie) savedCookie {
	return savedCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		Session:  c.Session,
		SameSite: string(c.SameSite),
	}
}

func (c savedCookie) cookie() *network.Cookie {
	return &network.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  c.Expires,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		Session:  c.Session,
		SameSite: network.CookieSameSite(c.SameSite),
	}
}

// NewCookieStore creates a cookie store at the given path
func NewCookieStore(path string) *CookieStore {
	return &CookieStore{path: path, now: time.Now}
}

// Path returns the cookie file location.
func (cs *CookieStore) Path() string { return cs.path }

// Save persists cookies to disk, readable only by the current user
func (cs *CookieStore) Save(cookies []*network.Cookie) error {
	dir := filepath.Dir(cs.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cookie dir: %w", err)
	}

	stored := cookieFile{
		Cookies:    make([]savedCookie, 0, len(cookies)),
		CapturedAt: cs.now().UTC(),
		ExpiresAt:  earliestExpiry(cookies),
	}
	for _, c := range cookies {
		stored.Cookies = append(stored.Cookies, toSaved(c))
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}

	tmp := cs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write cookies: %w", err)
	}
	if err := os.Rename(tmp, cs.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace cookies: %w", err)
	}
	return nil
}

// earliestExpiry finds when the first auth cookie expires. Session cookies
// (no expiry) do not limit it.
func earliestExpiry(cookies []*network.Cookie) time.Time {
	var earliest time.Time
	for _, c := range cookies {
		if !isRequired(c.Name) || c.Expires <= 0 {
			continue
		}
		exp := time.Unix(int64(c.Expires), 0).UTC()
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest
}

// Load retrieves cookies from disk
func (cs *CookieStore) Load() (*StoredCookies, error) {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	var file cookieFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse cookies: %w", err)
	}

	stored := &StoredCookies{
		Cookies:    make([]*network.Cookie, len(file.Cookies)),
		CapturedAt: file.CapturedAt,
		ExpiresAt:  file.ExpiresAt,
	}
	for i, c := range file.Cookies {
		stored.Cookies[i] = c.cookie()
	}
	return stored, nil
}

// Check reports why the stored session cannot be used, or nil
func (cs *CookieStore) Check() error {
	stored, err := cs.Load()
	if err != nil {
		return err
	}

	if !stored.ExpiresAt.IsZero() && cs.now().After(stored.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrSessionExpired, stored.ExpiresAt.Format(time.RFC3339))
	}

	have := make(map[string]bool)
	for _, c := range stored.Cookies {
		if c.Value != "" {
			have[c.Name] = true
		}
	}
	for _, name := range requiredCookies {
		if !have[name] {
			return fmt.Errorf("%w: %s", ErrMissingCookie, name)
		}
	}
	return nil
}

// IsValid checks if stored cookies are still usable
func (cs *CookieStore) IsValid() bool {
	return cs.Check() == nil
}

// Clear removes stored cookies. Clearing an absent store is not an error.
func (cs *CookieStore) Clear() error {
	if err := os.Remove(cs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove cookies: %w", err)
	}
	return nil
}

// XCookies returns only the x.com cookies
func (cs *CookieStore) XCookies() ([]*network.Cookie, error) {
	stored, err := cs.Load()
	if err != nil {
		return nil, err
	}

	var xCookies []*network.Cookie
	for _, c := range stored.Cookies {
		if isXDomain(c.Domain) {
			xCookies = append(xCookies, c)
		}
	}

	return xCookies, nil
}

func isXDomain(domain string) bool {
	d := strings.TrimPrefix(domain, ".")
	return d == "x.com" || strings.HasSuffix(d, ".x.com")
}

func isRequired(name string) bool {
	for _, r := range requiredCookies {
		if r == name {
			return true
		}
	}
	return false
}
