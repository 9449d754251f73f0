package transfer

import (
	"ModelVault/config"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %s", e.Status)
}

func hostAllowed(host string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSpace(host))
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func isLocalHostname(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "localhost" || host == "localhost.localdomain" {
		return true
	}
	if strings.HasSuffix(host, ".local") {
		return true
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsMulticast() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	return false
}

// ValidateSourceURL rejects unsupported schemes, disallowed hosts and
// private/loopback addresses unless explicitly allowed.
func ValidateSourceURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if !hostAllowed(host, config.AppConfig.DownloadAllowedHosts) {
		return nil, fmt.Errorf("host not allowed")
	}
	if config.AppConfig.DownloadAllowPrivate {
		return u, nil
	}
	if isLocalHostname(host) {
		return nil, fmt.Errorf("host not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("ip not allowed")
		}
		return u, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("host not resolvable")
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return nil, fmt.Errorf("ip not allowed")
		}
	}
	return u, nil
}

// NewHTTPClient builds the transfer client. Redirect targets are
// re-validated so a permitted host cannot bounce us to a blocked one.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: config.AppConfig.DownloadHTTPTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			_, err := ValidateSourceURL(req.URL.String())
			return err
		},
	}
}

// authURL appends origin-specific query credentials. CivitAI takes its API
// key as a token parameter.
func authURL(u *url.URL) *url.URL {
	host := strings.ToLower(u.Hostname())
	if strings.HasSuffix(host, "civitai.com") && config.AppConfig.CivitaiToken != "" {
		q := u.Query()
		q.Set("token", config.AppConfig.CivitaiToken)
		clone := *u
		clone.RawQuery = q.Encode()
		return &clone
	}
	return u
}

// setAuthHeaders adds origin-specific request headers. Hugging Face uses a
// Bearer token for gated repositories.
func setAuthHeaders(req *http.Request) {
	host := strings.ToLower(req.URL.Hostname())
	if strings.HasSuffix(host, "huggingface.co") && config.AppConfig.HuggingFaceToken != "" {
		req.Header.Set("Authorization", "Bearer "+config.AppConfig.HuggingFaceToken)
	}
}

// SourceInfo is the result of probing a remote source.
type SourceInfo struct {
	Size          int64
	AcceptsRanges bool
	ETag          string
}

// Probe issues a HEAD request to learn the source size and whether it
// supports ranged resume.
func Probe(ctx context.Context, client *http.Client, rawURL string) (*SourceInfo, error) {
	u, err := ValidateSourceURL(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, authURL(u).String(), nil)
	if err != nil {
		return nil, err
	}
	setAuthHeaders(req)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return &SourceInfo{
		Size:          resp.ContentLength,
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:          resp.Header.Get("ETag"),
	}, nil
}
