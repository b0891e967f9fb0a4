// Package sso logs in to and out of the ESA EO single sign-on service.
//
// The login handshake follows the service's redirect chain by hand: the
// login link is scraped from the admin page, its Location header is read
// from a HEAD request without following redirects, the target is primed
// with a second HEAD, and the credentials are posted to it.
package sso

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/asar-dev/asar-loader/internal/fault"
)

const (
	DefaultBaseURL   = "https://eo-sso-idp.eo.esa.int"
	DefaultAdminURL  = "https://eo-sso-idp.eo.esa.int/idp/umsso20/admin"
	DefaultLogoutURL = "https://eo-sso-idp.eo.esa.int/idp/profile/Logout?execution=e3s1"

	loggedInMarker = "logged in"
	maxPageSize    = 4 << 20
	logoutTimeout  = 30 * time.Second
	defaultAgent   = "asar-loader"
)

// Client performs the SSO handshake. It holds no session state itself.
type Client struct {
	baseURL   *url.URL
	adminURL  string
	logoutURL string
	resolver  LinkResolver
	transport http.RoundTripper
	caBundle  string
	timeout   time.Duration
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) {
		if parsed, err := url.Parse(u); err == nil {
			c.baseURL = parsed
		}
	}
}

func WithAdminURL(u string) Option {
	return func(c *Client) { c.adminURL = u }
}

func WithLogoutURL(u string) Option {
	return func(c *Client) { c.logoutURL = u }
}

// WithLinkResolver replaces the HTML login link scraper.
func WithLinkResolver(r LinkResolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithTransport sets the round tripper shared by every session's clients.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithCABundle trusts the PEM certificates in path in addition to the
// system roots.
func WithCABundle(path string) Option {
	return func(c *Client) { c.caBundle = path }
}

// WithTimeout bounds SSO requests. Downloads through the session are not
// affected.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Client for the ESA SSO service.
func NewClient(opts ...Option) (*Client, error) {
	base, _ := url.Parse(DefaultBaseURL)
	c := &Client{
		baseURL:   base,
		adminURL:  DefaultAdminURL,
		logoutURL: DefaultLogoutURL,
		resolver:  DefaultLinkResolver,
		userAgent: defaultAgent,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if c.caBundle != "" {
			pool, err := loadCABundle(c.caBundle)
			if err != nil {
				return nil, err
			}
			t.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
		}
		c.transport = t
	}
	return c, nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA bundle %s contains no certificates", path)
	}
	return pool, nil
}

// LogIn runs the handshake and returns an authenticated session. On failure
// the partially built session is closed and nil is returned.
func (c *Client) LogIn(ctx context.Context, username, password string) (*Session, error) {
	if username == "" || password == "" {
		return nil, fault.New(fault.CodeAuth, "ESA SSO credentials are required", nil)
	}

	s, err := newSession(c.transport, c.userAgent)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.username = username

	if err := c.handshake(ctx, s, username, password); err != nil {
		s.close()
		return nil, err
	}

	slog.Info("Logged in to ESA SSO", "username", username)
	return s, nil
}

func (c *Client) handshake(ctx context.Context, s *Session, username, password string) error {
	loginURL, err := c.findLoginURL(ctx, s)
	if err != nil {
		return err
	}
	slog.Debug("Resolved login link", "url", loginURL.String())

	resp, err := c.send(ctx, s.doNoRedirect, http.MethodHead, loginURL.String(), nil)
	if err != nil {
		return err
	}
	drain(resp)
	target, err := resp.Location()
	if err != nil {
		return fault.New(fault.CodeLoginFlow,
			fmt.Sprintf("login page %s did not redirect (status %d)", loginURL, resp.StatusCode), err)
	}
	slog.Debug("Following login redirect", "url", target.String())

	resp, err = c.send(ctx, s.doNoRedirect, http.MethodHead, target.String(), nil)
	if err != nil {
		return err
	}
	drain(resp)

	form := url.Values{
		"cn":          {username},
		"password":    {password},
		"loginFields": {"cn@password"},
		"loginMethod": {"umsso"},
		"sessionTime": {"oneday"},
		"idleTime":    {"oneday"},
	}
	resp, err = c.send(ctx, s.Do, http.MethodPost, target.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return fault.New(fault.CodeNetwork, "read login response", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), loggedInMarker) {
		slog.Debug("Login rejected", "status", resp.StatusCode)
		return fault.New(fault.CodeAuth, "Login failed", nil)
	}
	return nil
}

func (c *Client) findLoginURL(ctx context.Context, s *Session) (*url.URL, error) {
	resp, err := c.send(ctx, s.Do, http.MethodGet, c.adminURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	link, err := c.resolver.ResolveLoginLink(c.baseURL, io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fault.New(fault.CodeLoginFlow, "locate login link", err)
	}
	return link, nil
}

func (c *Client) send(ctx context.Context, do func(*http.Request) (*http.Response, error), method, target string, body io.Reader) (*http.Response, error) {
	parent := ctx
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		cancel()
		return nil, fault.New(fault.CodeLoginFlow, fmt.Sprintf("build %s request", method), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := do(req)
	if err != nil {
		cancel()
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, fault.New(fault.CodeNetwork, fmt.Sprintf("%s %s", method, target), err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageSize))
	resp.Body.Close()
}

// LogOut ends the server side session and releases its connections. A
// session can be logged out once.
func (c *Client) LogOut(ctx context.Context, s *Session) error {
	if s == nil || s.Closed() {
		return ErrSessionClosed
	}

	resp, err := c.send(ctx, s.Do, http.MethodGet, c.logoutURL, nil)
	if err == nil {
		drain(resp)
	}
	s.close()

	if err != nil {
		return err
	}
	slog.Info("Logged out of ESA SSO", "username", s.username)
	return nil
}

// WithSession logs in, runs fn and always logs out, even when fn fails,
// panics or ctx is cancelled.
func (c *Client) WithSession(ctx context.Context, username, password string, fn func(context.Context, *Session) error) error {
	s, err := c.LogIn(ctx, username, password)
	if err != nil {
		return err
	}

	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		if err := c.LogOut(logoutCtx, s); err != nil {
			slog.Warn("Failed to log out of ESA SSO", "username", username, "error", err)
		}
	}()

	return fn(ctx, s)
}
