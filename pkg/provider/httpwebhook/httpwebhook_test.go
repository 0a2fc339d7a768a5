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

package httpwebhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/pkg/action"
	"github.com/penserai/acteon/pkg/provider"
)

// testServerHost extracts the loopback host (without port) httptest binds to, so
// tests can explicitly allow-list it: the default blocklist rejects
// loopback addresses, same as a real deployment would for any other
// private address, so local test servers need an explicit override.
func testServerHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestExecute_SuccessReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	p, err := New(Config{Name: "hook", URL: srv.URL, AllowedHosts: []string{testServerHost(t, srv.URL)}})
	require.NoError(t, err)

	a := action.New("ns", "t", "hook", "notify", []byte(`{"x":1}`))
	resp, err := p.Execute(context.Background(), a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(resp))
}

func TestExecute_5xxIsExecutionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(Config{Name: "hook", URL: srv.URL, AllowedHosts: []string{testServerHost(t, srv.URL)}})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), action.New("ns", "t", "hook", "notify", []byte(`{}`)))
	require.Error(t, err)
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.CodeExecutionFailed, perr.Code)
}

func TestExecute_429IsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := New(Config{Name: "hook", URL: srv.URL, AllowedHosts: []string{testServerHost(t, srv.URL)}})
	require.NoError(t, err)

	_, err = p.Execute(context.Background(), action.New("ns", "t", "hook", "notify", []byte(`{}`)))
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.CodeRateLimited, perr.Code)
	assert.True(t, perr.IsRetryable())
}

func TestNew_RejectsBlockedHost(t *testing.T) {
	_, err := New(Config{Name: "hook", URL: "http://169.254.169.254/latest", BlockedHosts: []string{"169.254.169.254"}})
	assert.Error(t, err)
}

func TestNew_RejectsNonHTTPScheme(t *testing.T) {
	_, err := New(Config{Name: "hook", URL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestNew_RejectsCloudMetadataHostByDefault(t *testing.T) {
	// No BlockedHosts configured at all: the default blocklist alone
	// must still catch the cloud metadata address.
	_, err := New(Config{Name: "hook", URL: "http://169.254.169.254/latest"})
	assert.Error(t, err)
}

func TestNew_RejectsLoopbackIPByDefault(t *testing.T) {
	_, err := New(Config{Name: "hook", URL: "http://127.0.0.1:9999/hook"})
	assert.Error(t, err)
}

func TestNew_RejectsPrivateIPByDefault(t *testing.T) {
	_, err := New(Config{Name: "hook", URL: "http://10.1.2.3/hook"})
	assert.Error(t, err)
}

func TestNew_AllowedHostsSkipsDefaultIPValidation(t *testing.T) {
	_, err := New(Config{Name: "hook", URL: "http://127.0.0.1:9999/hook", AllowedHosts: []string{"127.0.0.1"}})
	assert.NoError(t, err)
}

func TestNew_WildcardBlockedHostMatchesSubdomain(t *testing.T) {
	_, err := New(Config{Name: "hook", URL: "http://internal.corp.example.com/hook", BlockedHosts: []string{"*.corp.example.com"}})
	assert.Error(t, err)
}

func TestNew_WildcardAllowedHostMatchesSubdomain(t *testing.T) {
	_, err := New(Config{Name: "hook", URL: "http://hooks.example.com/callback", AllowedHosts: []string{"*.example.com"}})
	assert.NoError(t, err)
}
