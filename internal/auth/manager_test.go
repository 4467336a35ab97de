package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/Stronautt/epic-report-generator/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *config.Manager) {
	t.Helper()
	keyring.MockInit()
	cfg := config.NewManagerAt(t.TempDir())
	return NewManager(cfg, testLogger()), cfg
}

func seedTokens(t *testing.T, access, refresh string, expiry time.Time) {
	t.Helper()
	payload, err := json.Marshal(storedTokens{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       float64(expiry.Unix()),
	})
	require.NoError(t, err)
	require.NoError(t, keyring.Set(keyringService, keyringTokens, string(payload)))
}

func TestSiteNameFromURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"cloud site", "https://acme.atlassian.net", "acme"},
		{"trailing slash", "https://acme.atlassian.net/", "acme"},
		{"multiple trailing slashes", "https://acme.atlassian.net///", "acme"},
		{"http scheme", "http://acme.atlassian.net", "acme"},
		{"self hosted", "https://jira.internal.example", "jira.internal.example"},
		{"no scheme", "acme.atlassian.net", "acme"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, siteNameFromURL(tt.url))
		})
	}
}

func TestLoginAPIToken(t *testing.T) {
	m, cfg := newTestManager(t)

	require.NoError(t, m.LoginAPIToken("https://acme.atlassian.net/", "dev@acme.com", "secret-token"))

	assert.Equal(t, config.AuthMethodAPIToken, cfg.GetString(config.KeyAuthMethod))
	assert.Equal(t, "https://acme.atlassian.net", cfg.GetString(config.KeyJiraURL))
	assert.Equal(t, "dev@acme.com", cfg.GetString(config.KeyJiraEmail))
	assert.Equal(t, "acme", cfg.GetString(config.KeySiteName))

	token, err := m.APIToken()
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)

	assert.Equal(t, config.AuthMethodAPIToken, m.AuthMethod())
	assert.Equal(t, "https://acme.atlassian.net", m.JiraURL())
	assert.Equal(t, "dev@acme.com", m.JiraEmail())
	assert.Equal(t, "acme", m.SiteName())
}

func TestAPIToken_NotStored(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.APIToken()
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("returns in-memory token while valid", func(t *testing.T) {
		m, _ := newTestManager(t)
		m.accessToken = "cached-token"
		m.tokenExpiry = time.Now().Add(time.Hour)

		token, err := m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cached-token", token)
	})

	t.Run("restores token from keyring", func(t *testing.T) {
		m, _ := newTestManager(t)
		seedTokens(t, "stored-token", "refresh-1", time.Now().Add(30*time.Minute))

		token, err := m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stored-token", token)
		assert.Equal(t, "stored-token", m.accessToken)
	})

	t.Run("no stored tokens", func(t *testing.T) {
		m, _ := newTestManager(t)

		_, err := m.AccessToken(ctx)
		require.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("malformed keyring entry is discarded", func(t *testing.T) {
		m, _ := newTestManager(t)
		require.NoError(t, keyring.Set(keyringService, keyringTokens, "not json"))

		_, err := m.AccessToken(ctx)
		require.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("expired token without refresh token", func(t *testing.T) {
		m, _ := newTestManager(t)
		seedTokens(t, "stale-token", "", time.Now().Add(-time.Hour))

		_, err := m.AccessToken(ctx)
		require.ErrorIs(t, err, ErrNotAuthenticated)
	})

	t.Run("expired token is refreshed and rotated", func(t *testing.T) {
		m, cfg := newTestManager(t)
		require.NoError(t, cfg.Update(map[string]any{
			config.KeyClientID:     "client-1",
			config.KeyClientSecret: "secret-1",
		}))
		seedTokens(t, "stale-token", "refresh-1", time.Now().Add(-time.Hour))

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "refresh_token", payload["grant_type"])
			assert.Equal(t, "refresh-1", payload["refresh_token"])
			assert.Equal(t, "client-1", payload["client_id"])
			assert.Equal(t, "secret-1", payload["client_secret"])
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"fresh-token","refresh_token":"rotated-refresh","expires_in":7200}`)
		}))
		defer srv.Close()
		m.tokenURL = srv.URL

		token, err := m.AccessToken(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fresh-token", token)

		raw, err := keyring.Get(keyringService, keyringTokens)
		require.NoError(t, err)
		var stored storedTokens
		require.NoError(t, json.Unmarshal([]byte(raw), &stored))
		assert.Equal(t, "fresh-token", stored.AccessToken)
		assert.Equal(t, "rotated-refresh", stored.RefreshToken)
		assert.InDelta(t, float64(time.Now().Unix())+7200, stored.Expiry, 5)
	})

	t.Run("refresh failure clears the cached token", func(t *testing.T) {
		m, cfg := newTestManager(t)
		require.NoError(t, cfg.Update(map[string]any{
			config.KeyClientID:     "client-1",
			config.KeyClientSecret: "secret-1",
		}))
		seedTokens(t, "stale-token", "refresh-1", time.Now().Add(-time.Hour))

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusForbidden)
		}))
		defer srv.Close()
		m.tokenURL = srv.URL

		_, err := m.AccessToken(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to refresh token")
		assert.Empty(t, m.accessToken)
	})
}

// loginBrowserStub drives the callback endpoint the way a real browser
// would after the user grants consent.
func loginBrowserStub(t *testing.T, query string) func(string) error {
	t.Helper()
	return func(consentURL string) error {
		parsed, err := url.Parse(consentURL)
		if err != nil {
			return err
		}
		q := parsed.Query()
		assert.Equal(t, "api.atlassian.com", q.Get("audience"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, "consent", q.Get("prompt"))
		assert.Equal(t, oauthScopes, q.Get("scope"))

		redirect := q.Get("redirect_uri")
		state := q.Get("state")
		target := redirect + "?" + query
		if query == "" {
			target = redirect + "?code=auth-code-1&state=" + url.QueryEscape(state)
		}

		go func() {
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				resp, err := http.Get(target)
				if err == nil {
					resp.Body.Close()
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
		}()
		return nil
	}
}

func TestStartLogin(t *testing.T) {
	ctx := context.Background()

	newConfiguredManager := func(t *testing.T) (*Manager, *config.Manager) {
		t.Helper()
		m, cfg := newTestManager(t)
		require.NoError(t, cfg.Update(map[string]any{
			config.KeyClientID:     "client-1",
			config.KeyClientSecret: "secret-1",
			config.KeyCallbackPort: freePort(t),
		}))
		return m, cfg
	}

	t.Run("requires client credentials", func(t *testing.T) {
		m, _ := newTestManager(t)

		_, err := m.StartLogin(ctx)
		require.EqualError(t, err, "client_id and client_secret are required")
	})

	t.Run("single site is selected automatically", func(t *testing.T) {
		m, cfg := newConfiguredManager(t)

		tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload map[string]string
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			assert.Equal(t, "authorization_code", payload["grant_type"])
			assert.Equal(t, "auth-code-1", payload["code"])
			assert.Equal(t, "client-1", payload["client_id"])
			assert.Equal(t, "secret-1", payload["client_secret"])
			assert.Contains(t, payload["redirect_uri"], "/callback")
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`)
		}))
		defer tokenSrv.Close()

		resourceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[{"id":"cloud-1","name":"acme","url":"https://acme.atlassian.net"}]`)
		}))
		defer resourceSrv.Close()

		m.tokenURL = tokenSrv.URL
		m.resourceURL = resourceSrv.URL
		m.openBrowser = loginBrowserStub(t, "")

		result, err := m.StartLogin(ctx)
		require.NoError(t, err)
		require.NotNil(t, result.Site)
		assert.Equal(t, "cloud-1", result.Site.CloudID)
		assert.Equal(t, "acme", result.Site.Name)
		assert.Empty(t, result.Sites)

		assert.Equal(t, config.AuthMethodOAuth, cfg.GetString(config.KeyAuthMethod))
		assert.Equal(t, "cloud-1", cfg.GetString(config.KeyCloudID))
		assert.Equal(t, "acme", cfg.GetString(config.KeySiteName))

		raw, err := keyring.Get(keyringService, keyringTokens)
		require.NoError(t, err)
		var stored storedTokens
		require.NoError(t, json.Unmarshal([]byte(raw), &stored))
		assert.Equal(t, "at-1", stored.AccessToken)
		assert.Equal(t, "rt-1", stored.RefreshToken)
	})

	t.Run("multiple sites are returned for a picker", func(t *testing.T) {
		m, cfg := newConfiguredManager(t)

		tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600}`)
		}))
		defer tokenSrv.Close()

		resourceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[
				{"id":"cloud-1","name":"acme","url":"https://acme.atlassian.net"},
				{"id":"cloud-2","name":"globex","url":"https://globex.atlassian.net"}
			]`)
		}))
		defer resourceSrv.Close()

		m.tokenURL = tokenSrv.URL
		m.resourceURL = resourceSrv.URL
		m.openBrowser = loginBrowserStub(t, "")

		result, err := m.StartLogin(ctx)
		require.NoError(t, err)
		assert.Nil(t, result.Site)
		require.Len(t, result.Sites, 2)
		assert.Equal(t, "cloud-2", result.Sites[1].CloudID)

		assert.Equal(t, config.AuthMethodOAuth, cfg.GetString(config.KeyAuthMethod))
		assert.Empty(t, cfg.GetString(config.KeyCloudID))

		require.NoError(t, m.SelectSite(result.Sites[1]))
		assert.Equal(t, "cloud-2", cfg.GetString(config.KeyCloudID))
		assert.Equal(t, "globex", cfg.GetString(config.KeySiteName))
	})

	t.Run("consent denial surfaces the provider error", func(t *testing.T) {
		m, _ := newConfiguredManager(t)
		m.openBrowser = loginBrowserStub(t, "error=access_denied&error_description=User%20did%20not%20consent")

		_, err := m.StartLogin(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authorization failed")
		assert.Contains(t, err.Error(), "User did not consent")
	})

	t.Run("context deadline aborts the wait", func(t *testing.T) {
		m, _ := newConfiguredManager(t)
		m.openBrowser = func(string) error { return nil }

		shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		_, err := m.StartLogin(shortCtx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestLogout(t *testing.T) {
	m, cfg := newTestManager(t)
	require.NoError(t, keyring.Set(keyringService, keyringTokens, `{"access_token":"at"}`))
	require.NoError(t, keyring.Set(keyringService, keyringAPIToken, "tok"))
	require.NoError(t, cfg.Update(map[string]any{
		config.KeyAuthMethod: config.AuthMethodOAuth,
		config.KeyJiraURL:    "https://acme.atlassian.net",
		config.KeyJiraEmail:  "dev@acme.com",
		config.KeyCloudID:    "cloud-1",
		config.KeySiteName:   "acme",
	}))
	m.accessToken = "at"
	m.tokenExpiry = time.Now().Add(time.Hour)

	require.NoError(t, m.Logout())

	_, err := keyring.Get(keyringService, keyringTokens)
	require.ErrorIs(t, err, keyring.ErrNotFound)
	_, err = keyring.Get(keyringService, keyringAPIToken)
	require.ErrorIs(t, err, keyring.ErrNotFound)

	assert.Empty(t, cfg.GetString(config.KeyAuthMethod))
	assert.Empty(t, cfg.GetString(config.KeyJiraURL))
	assert.Empty(t, cfg.GetString(config.KeyJiraEmail))
	assert.Empty(t, cfg.GetString(config.KeyCloudID))
	assert.Empty(t, cfg.GetString(config.KeySiteName))
	assert.Empty(t, m.accessToken)

	// logging out twice is harmless
	require.NoError(t, m.Logout())
}
