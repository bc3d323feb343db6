// Package fetch opens the byte sources the demuxers read: local files,
// HTTP(S) over TCP or HTTP/3, and SRT caller connections.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	srtgo "github.com/zsiec/srtgo"
)

var (
	// ErrUnsupportedScheme is returned for URLs no source handles.
	ErrUnsupportedScheme = errors.New("fetch: unsupported scheme")
	// ErrHTTPStatus is wrapped by StatusError.
	ErrHTTPStatus = errors.New("fetch: unexpected HTTP status")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s: HTTP %d", e.URL, e.Code)
}

func (e *StatusError) Unwrap() error { return ErrHTTPStatus }

const (
	defaultSRTLatency  = 120 * time.Millisecond
	defaultDialTimeout = 10 * time.Second
)

// Options configures an Opener.
type Options struct {
	// HTTP3 fetches https URLs over QUIC instead of TCP.
	HTTP3 bool
	// InsecureTLS skips certificate verification, for self-signed origins.
	InsecureTLS bool
	// SRTLatency is the receiver latency for srt URLs without a latency
	// query parameter.
	SRTLatency time.Duration
	// DialTimeout bounds SRT handshakes.
	DialTimeout time.Duration
}

// Opener opens sources by URL. It is safe for concurrent use.
type Opener struct {
	log  *slog.Logger
	opts Options

	client   *http.Client
	h3       *http3.Transport
	h3Client *http.Client

	closeOnce sync.Once
}

// New creates an Opener. If log is nil, slog.Default() is used.
func New(opts Options, log *slog.Logger) *Opener {
	if log == nil {
		log = slog.Default()
	}
	if opts.SRTLatency <= 0 {
		opts.SRTLatency = defaultSRTLatency
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	tlsConf := &tls.Config{InsecureSkipVerify: opts.InsecureTLS} //nolint:gosec // opt-in for self-signed origins

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsConf
	o := &Opener{
		log:    log.With("component", "fetch"),
		opts:   opts,
		client: &http.Client{Transport: tr},
	}
	if opts.HTTP3 {
		o.h3 = &http3.Transport{
			TLSClientConfig: tlsConf.Clone(),
			QUICConfig:      &quic.Config{MaxIdleTimeout: 30 * time.Second},
		}
		o.h3Client = &http.Client{Transport: o.h3}
	}
	return o
}

// Open returns a reader over the source at rawURL. The source is released
// when the reader is closed or ctx is cancelled.
func (o *Opener) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "", "file":
		return o.openFile(u)
	case "http", "https":
		return o.openHTTP(ctx, u)
	case "srt":
		return o.openSRT(ctx, u)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (o *Opener) openFile(u *url.URL) (io.ReadCloser, error) {
	path := u.Path
	if u.Scheme == "" {
		path = u.String()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	o.log.Debug("opened file", "path", path)
	return f, nil
}

func (o *Opener) openHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	client, proto := o.client, "tcp"
	if o.h3Client != nil && u.Scheme == "https" {
		client, proto = o.h3Client, "h3"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: GET %s: %w", u.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{URL: u.Redacted(), Code: resp.StatusCode}
	}
	o.log.Debug("opened http", "url", u.Redacted(), "proto", proto, "http", resp.Proto,
		"content_length", resp.ContentLength)
	return resp.Body, nil
}

// openSRT dials an SRT listener in caller mode. The stream ID comes from
// the streamid query parameter and latency from latency (milliseconds).
func (o *Opener) openSRT(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return nil, fmt.Errorf("fetch: srt address %q: %w", u.Host, err)
	}
	cfg := srtgo.DefaultConfig()
	cfg.Latency = o.opts.SRTLatency
	if v := u.Query().Get("latency"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("fetch: srt latency=%q: must be milliseconds", v)
		}
		cfg.Latency = time.Duration(ms) * time.Millisecond
	}
	cfg.StreamID = u.Query().Get("streamid")

	o.log.Info("dialing", "address", u.Host, "stream_id", cfg.StreamID)

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(u.Host, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(o.opts.DialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("fetch: SRT dial %s: %w", u.Host, res.err)
		}
		o.log.Info("connected", "address", u.Host)
		return newSRTReader(ctx, res.conn), nil
	case <-timer.C:
		go drainDial(ch)
		return nil, fmt.Errorf("fetch: SRT dial %s timed out after %s", u.Host, o.opts.DialTimeout)
	case <-ctx.Done():
		go drainDial(ch)
		return nil, ctx.Err()
	}
}

type dialResult struct {
	conn *srtgo.Conn
	err  error
}

// drainDial closes a connection that completed after its caller gave up.
func drainDial(ch <-chan dialResult) {
	if res := <-ch; res.conn != nil {
		res.conn.Close()
	}
}

// srtReader closes the connection when its context ends.
type srtReader struct {
	conn *srtgo.Conn
	stop func() bool
	once sync.Once
}

func newSRTReader(ctx context.Context, conn *srtgo.Conn) *srtReader {
	r := &srtReader{conn: conn}
	r.stop = context.AfterFunc(ctx, func() { r.Close() })
	return r
}

func (r *srtReader) Read(p []byte) (int, error) { return r.conn.Read(p) }

func (r *srtReader) Close() error {
	var err error
	r.once.Do(func() {
		r.stop()
		err = r.conn.Close()
	})
	return err
}

// Close releases idle connections and the HTTP/3 transport.
func (o *Opener) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.client.CloseIdleConnections()
		if o.h3 != nil {
			err = o.h3.Close()
		}
	})
	return err
}
