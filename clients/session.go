package clients

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	utls "github.com/refraction-networking/utls"
	"github.com/vodarchive/worker/log"
)

// Options control a single request issued through a Session.
type Options struct {
	// Timeout bounds the whole request in non-stream mode. In stream mode it
	// only bounds connection + response headers; body reads are bounded by the
	// caller's context.
	Timeout time.Duration
	// Stream leaves Response.Body open for the caller instead of reading the
	// full content.
	Stream      bool
	NoRedirects bool
}

// Response is the uniform response shape shared by both session flavors. In
// non-stream mode Content holds the (decoded) body and Body is nil.
type Response struct {
	StatusCode int
	Header     http.Header
	Content    []byte
	Body       io.ReadCloser
	Cookies    []*http.Cookie
}

func (r *Response) Text() string { return string(r.Content) }

func (r *Response) Success() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Session issues HTTP requests with shared cookie and TLS state. One session
// is shared between the playlist parser and the segment downloader of a job so
// cookies set while fetching the playlist carry over to segment requests.
// Implementations are safe for concurrent use.
type Session interface {
	Get(ctx context.Context, url string, headers *Headers, opts Options) (*Response, error)
	Post(ctx context.Context, url string, headers *Headers, body io.Reader, opts Options) (*Response, error)
	Head(ctx context.Context, url string, headers *Headers, opts Options) (*Response, error)
	Do(ctx context.Context, method, url string, headers *Headers, body io.Reader, opts Options) (*Response, error)

	// HTTPClient exposes a plain client sharing this session's transport and
	// cookie jar, for collaborators like retryablehttp.
	HTTPClient() *http.Client
}

// SessionConfig configures session construction.
type SessionConfig struct {
	// VerifyTLS enables certificate and hostname verification. Off by default:
	// plenty of stream hosts serve mis-issued certs.
	VerifyTLS bool
}

type httpSession struct {
	client     *http.Client
	noRedirect *http.Client
}

// NewStandardSession builds the plain session: cookie jar, tolerant TLS
// (verification per config, TLS 1.0 floor and client-side renegotiation
// allowed for legacy hosts).
func NewStandardSession(cfg SessionConfig) Session {
	jar, _ := cookiejar.New(nil)
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       standardTLSConfig(cfg),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return newHTTPSession(transport, jar)
}

func standardTLSConfig(cfg SessionConfig) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: !cfg.VerifyTLS,
		// Legacy hosts: accept old protocol versions and mid-connection
		// renegotiation requests. Go has no OpenSSL-style cipher string, the
		// low version floor is the closest equivalent of SECLEVEL=1.
		MinVersion:    tls.VersionTLS10,
		Renegotiation: tls.RenegotiateOnceAsClient,
	}
}

// NewImpersonatingSession builds a session whose TLS ClientHello matches a
// current Chrome build, for hosts that fingerprint clients (JA3). HTTP/2 is
// disabled: some of those hosts send headers that are invalid under h2
// (e.g. Connection: keep-alive). Falls back to the standard session if
// construction fails.
func NewImpersonatingSession(cfg SessionConfig) Session {
	s, err := newImpersonatingSession(cfg)
	if err != nil {
		log.LogNoJobID("browser impersonation unavailable, falling back to standard session", "err", err)
		return NewStandardSession(cfg)
	}
	return s
}

func newImpersonatingSession(cfg SessionConfig) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				host = addr
			}
			raw, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			ucfg := &utls.Config{
				ServerName:         host,
				InsecureSkipVerify: !cfg.VerifyTLS,
				// Pin ALPN to HTTP/1.1; the transport below does not speak h2.
				NextProtos: []string{"http/1.1"},
			}
			uconn := utls.UClient(raw, ucfg, utls.HelloChrome_Auto)
			if err := uconn.HandshakeContext(ctx); err != nil {
				raw.Close()
				return nil, err
			}
			return uconn, nil
		},
		// Non-nil empty map disables the bundled HTTP/2 upgrade.
		TLSNextProto:          map[string]func(string, *tls.Conn) http.RoundTripper{},
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return newHTTPSession(transport, jar), nil
}

func newHTTPSession(transport http.RoundTripper, jar http.CookieJar) *httpSession {
	return &httpSession{
		client: &http.Client{Transport: transport, Jar: jar},
		noRedirect: &http.Client{
			Transport: transport,
			Jar:       jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *httpSession) Get(ctx context.Context, url string, headers *Headers, opts Options) (*Response, error) {
	return s.Do(ctx, http.MethodGet, url, headers, nil, opts)
}

func (s *httpSession) Post(ctx context.Context, url string, headers *Headers, body io.Reader, opts Options) (*Response, error) {
	return s.Do(ctx, http.MethodPost, url, headers, body, opts)
}

func (s *httpSession) Head(ctx context.Context, url string, headers *Headers, opts Options) (*Response, error) {
	return s.Do(ctx, http.MethodHead, url, headers, nil, opts)
}

func (s *httpSession) Do(ctx context.Context, method, url string, headers *Headers, body io.Reader, opts Options) (*Response, error) {
	cancel := func() {}
	if opts.Timeout > 0 && !opts.Stream {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, err
	}
	headers.apply(req)

	client := s.client
	if opts.NoRedirects {
		client = s.noRedirect
	}
	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Cookies:    resp.Cookies(),
	}

	decoded, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	if opts.Stream {
		out.Body = &cancelReadCloser{ReadCloser: decoded, cancel: cancel}
		return out, nil
	}

	defer cancel()
	defer decoded.Close()
	content, err := io.ReadAll(decoded)
	if err != nil {
		return nil, err
	}
	out.Content = content
	return out, nil
}

func (s *httpSession) HTTPClient() *http.Client {
	return &http.Client{Transport: s.client.Transport, Jar: s.client.Jar}
}

// decodeBody undoes the Content-Encoding of a response. Go's transport only
// auto-decodes gzip when it also chose the Accept-Encoding header; captured
// browser headers force us to handle it (plus deflate and brotli) ourselves.
func decodeBody(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, err
		}
		return &wrappedBody{Reader: gz, closer: body}, nil
	case "deflate":
		return &wrappedBody{Reader: flate.NewReader(body), closer: body}, nil
	case "br":
		return &wrappedBody{Reader: brotli.NewReader(body), closer: body}, nil
	default:
		// Pass unknown encodings through untouched.
		return body, nil
	}
}

type wrappedBody struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedBody) Close() error {
	if c, ok := w.Reader.(io.Closer); ok {
		c.Close()
	}
	return w.closer.Close()
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
