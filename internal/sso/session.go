package sso

import (
	"errors"
	"net/http"
	"net/http/cookiejar"
	"sync"
)

// ErrSessionClosed is returned by a session that has been logged out or
// whose login failed.
var ErrSessionClosed = errors.New("sso session closed")

// Session is an authenticated HTTP session. Its cookies are shared by a
// redirect-following client and a client that returns redirects as-is.
type Session struct {
	mu         sync.Mutex
	closed     bool
	username   string
	userAgent  string
	follow     *http.Client
	noRedirect *http.Client
}

func newSession(transport http.RoundTripper, userAgent string) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Session{
		userAgent: userAgent,
		follow: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
		noRedirect: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Username returns the account the session was opened for.
func (s *Session) Username() string {
	return s.username
}

// Jar returns the session's cookie jar.
func (s *Session) Jar() http.CookieJar {
	return s.follow.Jar
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Do sends req with the session cookies, following redirects.
func (s *Session) Do(req *http.Request) (*http.Response, error) {
	return s.do(s.follow, req)
}

func (s *Session) doNoRedirect(req *http.Request) (*http.Response, error) {
	return s.do(s.noRedirect, req)
}

func (s *Session) do(c *http.Client, req *http.Request) (*http.Response, error) {
	if s.Closed() {
		return nil, ErrSessionClosed
	}
	if s.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	return c.Do(req)
}

// close marks the session closed and releases idle connections. It reports
// false if the session was already closed.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()

	s.follow.CloseIdleConnections()
	return true
}
