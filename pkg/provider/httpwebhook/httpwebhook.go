// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpwebhook implements provider.Provider by POSTing an
// action's payload to a configured URL, with SSRF-conscious host
// allow/block lists and pluggable authentication.
package httpwebhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/provider"
)

// AuthType selects how outbound requests authenticate.
type AuthType string

const (
	AuthNone   AuthType = ""
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
)

// Auth configures outbound request authentication.
type Auth struct {
	Type     AuthType
	Token    string // bearer
	Username string // basic
	Password string // basic
	Header   string // api_key
	Value    string // api_key
}

func (a *Auth) apply(req *http.Request) error {
	if a == nil {
		return nil
	}
	switch a.Type {
	case AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return errors.New("bearer auth requires token")
		}
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case AuthBasic:
		if a.Username == "" || a.Password == "" {
			return errors.New("basic auth requires username and password")
		}
		req.SetBasicAuth(a.Username, a.Password)
	case AuthAPIKey:
		if a.Header == "" || a.Value == "" {
			return errors.New("api_key auth requires header and value")
		}
		req.Header.Set(a.Header, a.Value)
	default:
		return fmt.Errorf("unsupported auth type: %s", a.Type)
	}
	return nil
}

// Config configures one httpwebhook provider instance.
type Config struct {
	// Name is the provider's registry key.
	Name string
	// URL is the webhook endpoint. Action payloads are POSTed as-is.
	URL string
	// Method defaults to POST.
	Method string
	// Timeout bounds the whole round trip; the executor's own
	// per-attempt timeout still applies on top of this.
	Timeout time.Duration
	// MaxResponseBytes bounds how much of the response body is read.
	MaxResponseBytes int64
	// Auth configures outbound authentication, if any.
	Auth *Auth
	// AllowedHosts, if non-empty, is the only hosts Execute may reach.
	AllowedHosts []string
	// BlockedHosts blocks specific hosts even if allowed above.
	BlockedHosts []string
}

// Provider posts actions to a single HTTP endpoint.
type Provider struct {
	cfg    Config
	client *http.Client
}

var _ provider.Provider = (*Provider)(nil)

// New validates cfg and returns a ready Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		return nil, errors.New("httpwebhook: name is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("httpwebhook: url is required")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 10 * 1024 * 1024
	}
	if err := validateURL(cfg.URL, cfg.AllowedHosts, cfg.BlockedHosts); err != nil {
		return nil, fmt.Errorf("httpwebhook: %w", err)
	}
	return &Provider{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

// Execute POSTs the action's payload to the configured URL and returns
// the response body as the action's Response.
func (p *Provider) Execute(ctx context.Context, a *action.Action) (action.Response, error) {
	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, p.cfg.URL, bytes.NewReader(a.Payload))
	if err != nil {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeConfiguration, Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := p.cfg.Auth.apply(req); err != nil {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeConfiguration, Message: "apply auth", Cause: err}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeTimeout, Message: "request cancelled", Cause: err}
		}
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeConnection, Message: "round trip failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeConnection, Message: "read response", Cause: err}
	}
	if int64(len(body)) > p.cfg.MaxResponseBytes {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeExecutionFailed, Message: "response exceeded max size"}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeRateLimited, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeNotFound, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 500 {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeExecutionFailed, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeExecutionFailed, Message: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)}
	}

	if len(body) == 0 {
		return action.Response("null"), nil
	}
	return action.Response(body), nil
}

// HealthCheck issues a HEAD request against the configured URL.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// validateURL rejects URLs whose scheme isn't http(s), whose host is
// explicitly blocked or not explicitly allowed, or whose host resolves
// to a private, loopback, link-local, or cloud-metadata address. The
// default-blocked ranges apply even when blocked is empty, so SSRF
// protection never depends entirely on operator-supplied configuration.
// An explicitly allowed host skips IP resolution, matching an
// operator's deliberate override.
func validateURL(raw string, allowed, blocked []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url missing host")
	}

	if hostMatches(host, blocked) {
		return fmt.Errorf("host %q is blocked", host)
	}
	if len(allowed) > 0 {
		if !hostMatches(host, allowed) {
			return fmt.Errorf("host %q is not in the allow list", host)
		}
		return nil
	}

	return validateHostIP(host, blocked)
}

// hostMatches reports whether host matches any of patterns, by exact
// case-insensitive match or a "*.example.com" wildcard.
func hostMatches(host string, patterns []string) bool {
	lowerHost := strings.ToLower(host)
	for _, pattern := range patterns {
		pattern = strings.ToLower(pattern)
		if pattern == lowerHost {
			return true
		}
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(lowerHost, pattern[1:]) {
			return true
		}
	}
	return false
}

// validateHostIP resolves host (if it isn't already a literal IP) and
// rejects it if the resolved address falls in an operator-configured
// blocked CIDR or in the default blocked ranges: RFC 1918 private
// space, loopback, link-local, and the 169.254.169.254 cloud metadata
// address every major cloud serves instance credentials from.
func validateHostIP(host string, blocked []string) error {
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("resolving host %q: %w", host, err)
		}
		if len(ips) == 0 {
			return fmt.Errorf("host %q did not resolve to any address", host)
		}
		ip = ips[0]
	}

	for _, b := range blocked {
		if !strings.Contains(b, "/") {
			continue
		}
		if _, cidr, err := net.ParseCIDR(b); err == nil && cidr.Contains(ip) {
			return fmt.Errorf("host %q resolved to %s, blocked by %s", host, ip, b)
		}
	}

	if isDefaultBlockedIP(ip) {
		return fmt.Errorf("host %q resolved to %s, a private/loopback/link-local/metadata address", host, ip)
	}
	return nil
}

var defaultBlockedRanges = mustParseCIDRs(
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", // RFC 1918 private
	"127.0.0.0/8", "::1/128", // loopback
	"169.254.0.0/16", "fe80::/10", // link-local
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, len(cidrs))
	for i, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets[i] = n
	}
	return nets
}

// isDefaultBlockedIP reports whether ip falls in a private, loopback,
// or link-local range, or is the cloud metadata address.
func isDefaultBlockedIP(ip net.IP) bool {
	if ip.Equal(net.IPv4(169, 254, 169, 254)) {
		return true
	}
	for _, n := range defaultBlockedRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
