package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
)

// HTTPConfig contains HTTP/HTTPS transfer settings.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// MaxRetries is the number of attempts per request.
	MaxRetries int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// Credentials maps hostnames to authentication credentials.
	// Supports wildcard patterns like "*.example.com".
	Credentials map[string]Credential

	// Headers are added to all requests.
	Headers map[string]string

	// UploadMethod is "PUT" or "POST" (default: PUT).
	UploadMethod string
}

// Credential holds authentication for a host.
type Credential struct {
	Type        string `yaml:"type"`         // "bearer", "basic", "header"
	Token       string `yaml:"token"`        // for bearer
	Username    string `yaml:"username"`     // for basic
	Password    string `yaml:"password"`     // for basic
	HeaderName  string `yaml:"header-name"`  // for header
	HeaderValue string `yaml:"header-value"` // for header
}

// HTTPTransferer downloads inputs with GET and uploads outputs with PUT/POST.
type HTTPTransferer struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPTransferer creates an HTTPTransferer with the given configuration.
// tlsCfg may be nil to use the system trust store.
func NewHTTPTransferer(cfg HTTPConfig, tlsCfg *tls.Config) *HTTPTransferer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPTransferer{
		config: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     tlsCfg,
			},
		},
	}
}

// Stage downloads info.RemoteRef to info.LocalPath.
// HTTP has no directory listing, so Directory inputs are rejected.
func (t *HTTPTransferer) Stage(ctx context.Context, info *model.FileStageInfo) error {
	scheme, _ := cwl.ParseLocationScheme(info.RemoteRef)
	if scheme != cwl.SchemeHTTP && scheme != cwl.SchemeHTTPS {
		return fmt.Errorf("http transferer: unsupported scheme %q", scheme)
	}
	if info.IsDirectory {
		return fmt.Errorf("http transferer: cannot stage directory %s", info.RemoteRef)
	}

	if err := os.MkdirAll(filepath.Dir(info.LocalPath), 0o755); err != nil {
		return fmt.Errorf("http transferer: mkdir: %w", err)
	}

	return t.withRetry(ctx, "download", func() error {
		return t.download(ctx, info.RemoteRef, info.LocalPath)
	})
}

// Upload sends source to dest.RemoteRef. A directory source is uploaded file
// by file beneath the destination URL.
func (t *HTTPTransferer) Upload(ctx context.Context, source string, dest *model.FileStageInfo) error {
	st, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("http transferer: %w", err)
	}
	if !st.IsDir() {
		return t.withRetry(ctx, "upload", func() error {
			return t.upload(ctx, source, dest.RemoteRef)
		})
	}
	return walkFiles(source, func(rel, abs string) error {
		url := cwl.JoinRef(dest.RemoteRef, rel)
		return t.withRetry(ctx, "upload", func() error {
			return t.upload(ctx, abs, url)
		})
	})
}

// withRetry runs op up to MaxRetries times with exponential backoff.
// Client errors (4xx) are not retried.
func (t *HTTPTransferer) withRetry(ctx context.Context, what string, op func() error) error {
	var lastErr error
	maxRetries := t.config.MaxRetries
	if maxRetries == 0 {
		maxRetries = 1
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.retryDelay(attempt)):
			}
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}
	}

	return fmt.Errorf("http transferer: %s failed after %d attempts: %w", what, maxRetries, lastErr)
}

// download performs the HTTP GET.
func (t *HTTPTransferer) download(ctx context.Context, url string, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	t.applyAuth(req)
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// Write to a temp file first so a partial download never appears staged.
	tmpPath := destPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	_, err = io.Copy(out, resp.Body)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// upload performs the HTTP PUT/POST.
func (t *HTTPTransferer) upload(ctx context.Context, srcPath, url string) error {
	file, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	method := t.config.UploadMethod
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, url, file)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	t.applyAuth(req)
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// applyAuth adds the credential configured for the request host.
func (t *HTTPTransferer) applyAuth(req *http.Request) {
	cred := t.lookupCredential(req.URL.Host)
	if cred == nil {
		return
	}
	switch cred.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	case "basic":
		req.SetBasicAuth(cred.Username, cred.Password)
	case "header":
		if cred.HeaderName != "" {
			req.Header.Set(cred.HeaderName, cred.HeaderValue)
		}
	}
}

// lookupCredential finds credentials for a host, exact match first, then
// a "*.parent.domain" wildcard. The port is ignored for wildcard matching.
func (t *HTTPTransferer) lookupCredential(host string) *Credential {
	if len(t.config.Credentials) == 0 {
		return nil
	}
	if cred, ok := t.config.Credentials[host]; ok {
		return &cred
	}

	hostOnly := host
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		hostOnly = host[:idx]
	}
	if cred, ok := t.config.Credentials[hostOnly]; ok {
		return &cred
	}
	if parts := strings.Split(hostOnly, "."); len(parts) >= 2 {
		if cred, ok := t.config.Credentials["*."+strings.Join(parts[1:], ".")]; ok {
			return &cred
		}
	}
	return nil
}

func (t *HTTPTransferer) applyHeaders(req *http.Request) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
}

// retryDelay calculates the delay for a retry attempt using exponential backoff.
func (t *HTTPTransferer) retryDelay(attempt int) time.Duration {
	delay := t.config.RetryDelay
	if delay == 0 {
		delay = time.Second
	}
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// httpError represents an HTTP error response.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// isClientError returns true if the error is a 4xx client error.
func isClientError(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
