package transfer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"net/http/httptrace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/speedcheck/internal/util"
	"golang.org/x/net/http2"
)

const (
	uploadChunkSize  = 32 * 1024
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	idleConnTimeout  = 30 * time.Second
)

type Config struct {
	// Timeout bounds each phase end to end, including reading the body.
	Timeout time.Duration
	// UploadURL overrides the target for the upload phase.
	UploadURL     string
	UploadBytes   int64
	UploadRateBps uint64
	UserAgent     string
	// CAFile adds PEM certificates to the system roots for TLS targets.
	CAFile string
}

// Probe runs one timed HTTP transfer per call. It holds no per-run state, so
// a single instance may serve successive runs.
type Probe struct {
	cfg    Config
	client *http.Client
	logger util.Logger
}

// NewClient returns an HTTP client with its own transport so probes never
// share pooled connections with other clients in the process. HTTP/2 is
// negotiated over TLS when the server offers it.
func NewClient(cfg Config) (*http.Client, error) {
	tlsCfg, err := tlsConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{
		TLSClientConfig: tlsCfg,
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: handshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConns:        4,
		DisableCompression:  true,
	}
	if _, err := http2.ConfigureTransports(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	return &http.Client{Transport: tr, Timeout: cfg.Timeout}, nil
}

func tlsConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pemData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("ca file %s: no certificates found", caFile)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func NewProbe(cfg Config, logger util.Logger) (*Probe, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewProbeWithClient(cfg, client, logger), nil
}

func NewProbeWithClient(cfg Config, client *http.Client, logger util.Logger) *Probe {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = util.NewNopLogger()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "speedcheck"
	}
	return &Probe{cfg: cfg, client: client, logger: logger}
}

// CloseIdleConnections releases pooled connections held by the client.
func (p *Probe) CloseIdleConnections() {
	p.client.CloseIdleConnections()
}

// RunPhase performs a single transfer against target. Download issues a GET
// and consumes the whole body. Upload POSTs a generated payload to the
// configured upload URL, falling back to target. No retries are made.
func (p *Probe) RunPhase(ctx context.Context, target string, phase Phase) (Sample, error) {
	switch phase {
	case PhaseDownload:
		return p.download(ctx, target)
	case PhaseUpload:
		if p.cfg.UploadURL != "" {
			target = p.cfg.UploadURL
		}
		return p.upload(ctx, target)
	default:
		return Sample{}, failed(phase, fmt.Errorf("unsupported phase %d", int(phase)))
	}
}

func (p *Probe) download(ctx context.Context, target string) (Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Sample{}, failed(PhaseDownload, err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	p.setHeaders(req)

	tr := &traceRecorder{}
	req = req.WithContext(httptrace.WithClientTrace(ctx, tr.clientTrace()))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{}, failed(PhaseDownload, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Sample{}, failed(PhaseDownload, err)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	end := time.Now()
	if err != nil {
		return Sample{}, failed(PhaseDownload, err)
	}
	if n == 0 {
		return Sample{}, failed(PhaseDownload, errEmptyBody)
	}

	sample := Sample{
		Phase:            PhaseDownload,
		BytesTransferred: uint64(n),
		ElapsedSeconds:   elapsedSeconds(end.Sub(start)),
		Diagnostics:      tr.diagnostics(resp, end),
	}
	p.logPhase(sample)
	return sample, nil
}

func (p *Probe) upload(ctx context.Context, target string) (Sample, error) {
	size := p.cfg.UploadBytes
	if size <= 0 {
		return Sample{}, failed(PhaseUpload, fmt.Errorf("upload size must be > 0"))
	}
	limiter := NewLimiter(float64(p.cfg.UploadRateBps) / 8)
	var sent atomic.Int64
	newBody := func() io.ReadCloser {
		sent.Store(0)
		return &payloadReader{ctx: ctx, remaining: size, limiter: limiter, sent: &sent}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, newBody())
	if err != nil {
		return Sample{}, failed(PhaseUpload, err)
	}
	req.ContentLength = size
	req.GetBody = func() (io.ReadCloser, error) { return newBody(), nil }
	req.Header.Set("Content-Type", "application/octet-stream")
	p.setHeaders(req)

	tr := &traceRecorder{}
	req = req.WithContext(httptrace.WithClientTrace(ctx, tr.clientTrace()))

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return Sample{}, failed(PhaseUpload, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return Sample{}, failed(PhaseUpload, err)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return Sample{}, failed(PhaseUpload, err)
	}
	end := time.Now()
	n := sent.Load()
	if n == 0 {
		return Sample{}, failed(PhaseUpload, errEmptyBody)
	}

	sample := Sample{
		Phase:            PhaseUpload,
		BytesTransferred: uint64(n),
		ElapsedSeconds:   elapsedSeconds(end.Sub(start)),
		Diagnostics:      tr.diagnostics(resp, end),
	}
	p.logPhase(sample)
	return sample, nil
}

func (p *Probe) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", p.cfg.UserAgent)
}

func (p *Probe) logPhase(s Sample) {
	p.logger.Debug("transfer phase complete",
		"phase", s.Phase.String(),
		"bytes", s.BytesTransferred,
		"elapsed_s", s.ElapsedSeconds,
		"status", s.Diagnostics.StatusCode,
		"proto", s.Diagnostics.Protocol,
		"remote", s.Diagnostics.RemoteAddr,
		"ttfb", s.Diagnostics.TimeToFirstByte,
	)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// payloadReader yields size bytes of filler, paced by the limiter.
type payloadReader struct {
	ctx       context.Context
	remaining int64
	limiter   *Limiter
	sent      *atomic.Int64
}

var payloadChunk = func() []byte {
	buf := make([]byte, uploadChunkSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}()

func (r *payloadReader) Read(b []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	n := len(b)
	if n > uploadChunkSize {
		n = uploadChunkSize
	}
	if int64(n) > r.remaining {
		n = int(r.remaining)
	}
	if err := r.limiter.Wait(r.ctx, n); err != nil {
		return 0, err
	}
	copy(b[:n], payloadChunk)
	r.remaining -= int64(n)
	r.sent.Add(int64(n))
	return n, nil
}

func (r *payloadReader) Close() error {
	return nil
}

type traceRecorder struct {
	mu        sync.Mutex
	start     time.Time
	gotConn   time.Time
	firstByte time.Time
	remote    string
	reused    bool
}

func (t *traceRecorder) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) {
			t.mu.Lock()
			if t.start.IsZero() {
				t.start = time.Now()
			}
			t.mu.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.gotConn = time.Now()
			t.reused = info.Reused
			if info.Conn != nil {
				t.remote = info.Conn.RemoteAddr().String()
			}
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.firstByte = time.Now()
			t.mu.Unlock()
		},
	}
}

func (t *traceRecorder) diagnostics(resp *http.Response, end time.Time) Diagnostics {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := Diagnostics{
		ConnReused: t.reused,
		RemoteAddr: t.remote,
		StatusCode: resp.StatusCode,
		Protocol:   resp.Proto,
	}
	if !t.start.IsZero() {
		d.TransportDuration = end.Sub(t.start)
	}
	if !t.gotConn.IsZero() && !t.firstByte.IsZero() {
		d.TimeToFirstByte = t.firstByte.Sub(t.gotConn)
	}
	return d
}
