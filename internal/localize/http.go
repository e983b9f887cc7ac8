package localize

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/gowdl/internal/config"
	"github.com/me/gowdl/pkg/value"
)

// HTTPStagerConfig contains HTTP/HTTPS stager settings.
type HTTPStagerConfig struct {
	// Timeout is the per-request timeout.
	Timeout time.Duration

	// Credentials maps hostnames, or *.domain patterns, to credentials.
	Credentials map[string]CredentialSet

	// DefaultHeaders are added to all requests.
	DefaultHeaders map[string]string
}

// CredentialSet holds authentication for a host.
type CredentialSet struct {
	Type        string `json:"type"`         // "bearer", "basic", "header"
	Token       string `json:"token"`        // for bearer
	Username    string `json:"username"`     // for basic
	Password    string `json:"password"`     // for basic
	HeaderName  string `json:"header_name"`  // for header
	HeaderValue string `json:"header_value"` // for header
}

// HTTPStager downloads http and https locations.
type HTTPStager struct {
	config HTTPStagerConfig
	client *http.Client
}

// NewHTTPStager creates an HTTPStager.
func NewHTTPStager(cfg HTTPStagerConfig, tlsCfg *tls.Config) *HTTPStager {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPStager{
		config: cfg,
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// HTTPStagerFromConfig builds the stager configured under
// localization.http. A bearer token applies to every host.
func HTTPStagerFromConfig(cfg config.HTTPConfig) *HTTPStager {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	if cfg.BearerToken != "" {
		headers["Authorization"] = "Bearer " + cfg.BearerToken
	}
	return NewHTTPStager(HTTPStagerConfig{Timeout: cfg.Timeout, DefaultHeaders: headers}, nil)
}

func (s *HTTPStager) StageIn(ctx context.Context, kind value.Kind, location, dest string) error {
	scheme, _ := value.ParseLocation(location)
	if scheme != value.SchemeHTTP && scheme != value.SchemeHTTPS {
		return permanent(fmt.Errorf("http stager: unsupported scheme %q", scheme))
	}
	if kind == value.KindDirectory {
		return permanent(fmt.Errorf("http stager: directories cannot be fetched over http: %s", location))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("http stager: mkdir: %w", err)
	}
	return s.download(ctx, location, dest)
}

func (s *HTTPStager) download(ctx context.Context, url string, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	s.applyAuth(req)
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpError{StatusCode: resp.StatusCode, Body: string(body)}
	}

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

func (s *HTTPStager) applyAuth(req *http.Request) {
	cred := s.lookupCredential(req.URL.Host)
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

// lookupCredential finds credentials for a host, supporting *.domain
// wildcards.
func (s *HTTPStager) lookupCredential(host string) *CredentialSet {
	if s.config.Credentials == nil {
		return nil
	}
	if cred, ok := s.config.Credentials[host]; ok {
		return &cred
	}
	hostOnly := host
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		hostOnly = host[:idx]
	}
	if cred, ok := s.config.Credentials[hostOnly]; ok {
		return &cred
	}
	parts := strings.Split(hostOnly, ".")
	if len(parts) >= 2 {
		if cred, ok := s.config.Credentials["*."+strings.Join(parts[1:], ".")]; ok {
			return &cred
		}
	}
	return nil
}

func (s *HTTPStager) applyHeaders(req *http.Request) {
	for k, v := range s.config.DefaultHeaders {
		if k == "Authorization" && req.Header.Get(k) != "" {
			continue
		}
		req.Header.Set(k, v)
	}
}

// httpError is a non-200 response.
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
