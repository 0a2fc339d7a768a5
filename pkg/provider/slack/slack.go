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

// Package slack implements provider.Provider against the Slack Web
// API, suitable both for ordinary notification actions and for the
// approval-notification actions the workflow controller emits.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/provider"
)

const defaultBaseURL = "https://slack.com/api"

// Config configures one Slack provider instance. A provider instance
// is one bot token; multiple workspaces need multiple registrations
// under distinct provider names.
type Config struct {
	Name    string
	Token   string
	BaseURL string
	Timeout time.Duration
}

// Provider posts an action's payload as a Slack chat.postMessage call.
// Payload shape: {"channel": "...", "text": "...", "blocks": [...]}.
type Provider struct {
	cfg    Config
	client *http.Client
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config) (*Provider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("slack: name is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("slack: token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (p *Provider) Name() string { return p.cfg.Name }

type apiResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (p *Provider) Execute(ctx context.Context, a *action.Action) (action.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat.postMessage", bytes.NewReader(a.Payload))
	if err != nil {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeConfiguration, Message: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeTimeout, Message: "request cancelled", Cause: err}
		}
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeConnection, Message: "round trip failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeRateLimited, Message: "slack rate limited the request"}
	}
	if resp.StatusCode >= 500 {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeExecutionFailed, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeConnection, Message: "read response", Cause: err}
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &provider.Error{Provider: p.cfg.Name, Code: provider.CodeSerialization, Message: "decode slack response", Cause: err}
	}
	if !parsed.OK {
		code := provider.CodeExecutionFailed
		switch parsed.Error {
		case "channel_not_found":
			code = provider.CodeNotFound
		case "invalid_auth", "not_authed", "account_inactive":
			code = provider.CodeConfiguration
		}
		return nil, &provider.Error{Provider: p.cfg.Name, Code: code, Message: parsed.Error}
	}

	return action.Response(body), nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/auth.test", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return err
	}
	if !parsed.OK {
		return fmt.Errorf("slack auth.test failed: %s", parsed.Error)
	}
	return nil
}
