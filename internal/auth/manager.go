package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/Stronautt/epic-report-generator/internal/config"
)

const (
	keyringService = "epic-report-generator"

	keyringTokens   = "tokens"
	keyringAPIToken = "api_token"

	authorizeURL     = "https://auth.atlassian.com/authorize"
	tokenEndpoint    = "https://auth.atlassian.com/oauth/token"
	resourcesURL     = "https://api.atlassian.com/oauth/token/accessible-resources"
	oauthScopes      = "read:jira-work read:jira-user offline_access"
	defaultExpiresIn = 3600
)

// ErrNotAuthenticated is returned when no usable credentials are stored
// and the user must run the login flow again.
var ErrNotAuthenticated = errors.New("not authenticated")

// Site is one Jira Cloud site the authorized user can access.
type Site struct {
	CloudID string `json:"cloud_id"`
	Name    string `json:"name"`
	URL     string `json:"url"`
}

// LoginResult is the outcome of a completed browser login. Site is set
// when a single accessible site was selected automatically; Sites
// carries the full list when the caller must present a picker.
type LoginResult struct {
	Site  *Site
	Sites []Site
}

// storedTokens is the JSON payload kept in the OS keyring. Expiry is
// epoch seconds so entries stay readable across runs.
type storedTokens struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	Expiry       float64 `json:"expiry"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type accessibleResource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Manager runs the Atlassian OAuth 2.0 three-legged flow and keeps
// secrets in the OS keyring. Non-secret fields (client_id, cloud_id,
// site_name) live in the config store.
type Manager struct {
	config *config.Manager
	logger *slog.Logger
	client *http.Client

	tokenURL     string
	authURL      string
	resourceURL  string
	openBrowser  func(url string) error
	now          func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewManager(cfg *config.Manager, logger *slog.Logger) *Manager {
	return &Manager{
		config:      cfg,
		logger:      logger,
		client:      &http.Client{Timeout: 30 * time.Second},
		tokenURL:    tokenEndpoint,
		authURL:     authorizeURL,
		resourceURL: resourcesURL,
		openBrowser: openBrowser,
		now:         time.Now,
	}
}

// IsConfigured reports whether the OAuth client credentials are set.
func (m *Manager) IsConfigured() bool {
	return m.config.GetString(config.KeyClientID) != "" && m.config.GetString(config.KeyClientSecret) != ""
}

func (m *Manager) CloudID() string {
	return m.config.GetString(config.KeyCloudID)
}

func (m *Manager) SiteName() string {
	return m.config.GetString(config.KeySiteName)
}

func (m *Manager) AuthMethod() string {
	return m.config.GetString(config.KeyAuthMethod)
}

func (m *Manager) JiraURL() string {
	return m.config.GetString(config.KeyJiraURL)
}

func (m *Manager) JiraEmail() string {
	return m.config.GetString(config.KeyJiraEmail)
}

func (m *Manager) SetCloudID(cloudID string) error {
	return m.config.Set(config.KeyCloudID, cloudID)
}

// LoginAPIToken stores API-token credentials. The token itself goes to
// the keyring under its own key, separate from the OAuth tokens entry;
// non-secret fields are persisted in config.
func (m *Manager) LoginAPIToken(jiraURL, email, token string) error {
	if err := keyring.Set(keyringService, keyringAPIToken, token); err != nil {
		return fmt.Errorf("failed to store API token in keyring: %w", err)
	}

	siteName := siteNameFromURL(jiraURL)
	err := m.config.Update(map[string]any{
		config.KeyAuthMethod: config.AuthMethodAPIToken,
		config.KeyJiraURL:    strings.TrimRight(jiraURL, "/"),
		config.KeyJiraEmail:  email,
		config.KeySiteName:   siteName,
	})
	if err != nil {
		return fmt.Errorf("failed to persist API token settings: %w", err)
	}

	m.logger.Info("API token credentials stored", "site", siteName)
	return nil
}

// APIToken retrieves the API token from the OS keyring.
func (m *Manager) APIToken() (string, error) {
	token, err := keyring.Get(keyringService, keyringAPIToken)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotAuthenticated
	}
	if err != nil {
		return "", fmt.Errorf("failed to read API token from keyring: %w", err)
	}
	return token, nil
}

// AccessToken returns a valid OAuth access token, restoring it from the
// keyring or refreshing it when the stored one has expired.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.accessToken != "" && m.now().Before(m.tokenExpiry) {
		token := m.accessToken
		expiresIn := m.tokenExpiry.Sub(m.now())
		m.mu.Unlock()
		m.logger.Debug("Using cached access token", "expires_in", expiresIn.Round(time.Second))
		return token, nil
	}
	m.mu.Unlock()

	stored, err := m.loadTokens()
	if err != nil {
		return "", err
	}
	if stored == nil {
		m.logger.Debug("No stored tokens found in keyring")
		return "", ErrNotAuthenticated
	}

	expiry := time.Unix(int64(stored.Expiry), 0)
	if stored.AccessToken != "" && m.now().Before(expiry) {
		m.logger.Info("Restored access token from keyring", "expires_in", expiry.Sub(m.now()).Round(time.Second))
		m.mu.Lock()
		m.accessToken = stored.AccessToken
		m.tokenExpiry = expiry
		m.mu.Unlock()
		return stored.AccessToken, nil
	}

	if stored.RefreshToken != "" {
		m.logger.Info("Access token expired, refreshing")
		return m.refreshAccessToken(ctx, stored.RefreshToken)
	}

	m.logger.Warn("No refresh token available, re-login required")
	return "", ErrNotAuthenticated
}

// StartLogin runs the full browser-based OAuth login flow. It blocks
// until the redirect arrives or the callback server times out.
func (m *Manager) StartLogin(ctx context.Context) (*LoginResult, error) {
	if !m.IsConfigured() {
		return nil, fmt.Errorf("client_id and client_secret are required")
	}

	m.logger.Info("Starting OAuth login flow")
	state, err := randomState()
	if err != nil {
		return nil, err
	}

	port := m.config.GetInt(config.KeyCallbackPort)
	if port == 0 {
		port = config.DefaultCallbackPort
	}
	redirectURI := fmt.Sprintf("http://localhost:%d/callback", port)
	m.logger.Debug("OAuth redirect URI", "uri", redirectURI)

	params := url.Values{
		"audience":      {"api.atlassian.com"},
		"client_id":     {m.config.GetString(config.KeyClientID)},
		"scope":         {oauthScopes},
		"redirect_uri":  {redirectURI},
		"state":         {state},
		"response_type": {"code"},
		"prompt":        {"consent"},
	}
	consentURL := m.authURL + "?" + params.Encode()

	m.logger.Debug("Opening browser for Atlassian consent")
	if err := m.openBrowser(consentURL); err != nil {
		m.logger.Warn("Failed to open browser, visit the URL manually", "url", consentURL, "error", err)
	}

	result, err := waitForCallback(ctx, port, state, m.logger)
	if err != nil {
		return nil, err
	}
	if result.Error != "" {
		desc := result.ErrorDescription
		if desc == "" {
			desc = result.Error
		}
		return nil, fmt.Errorf("authorization failed: %s", desc)
	}

	m.logger.Debug("Received authorization code, exchanging for tokens")
	tokens, err := m.exchangeCode(ctx, result.Code, redirectURI)
	if err != nil {
		return nil, err
	}

	if err := m.storeTokens(tokens); err != nil {
		return nil, err
	}
	if err := m.config.Set(config.KeyAuthMethod, config.AuthMethodOAuth); err != nil {
		return nil, fmt.Errorf("failed to persist auth method: %w", err)
	}
	m.logger.Info("OAuth tokens stored in keyring")

	sites, err := m.fetchAccessibleResources(ctx, tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("no accessible Jira sites found for this account")
	}

	m.logger.Info("Found accessible Jira sites", "count", len(sites))
	if len(sites) == 1 {
		if err := m.selectSite(sites[0]); err != nil {
			return nil, err
		}
		return &LoginResult{Site: &sites[0]}, nil
	}

	return &LoginResult{Sites: sites}, nil
}

// SelectSite persists the user's chosen Jira site.
func (m *Manager) SelectSite(site Site) error {
	return m.selectSite(site)
}

// Logout clears stored tokens and site information for both auth
// methods.
func (m *Manager) Logout() error {
	m.logger.Info("Logging out, clearing tokens and site data")
	for _, key := range []string{keyringTokens, keyringAPIToken} {
		if err := keyring.Delete(keyringService, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("failed to delete %s from keyring: %w", key, err)
		}
	}

	m.mu.Lock()
	m.accessToken = ""
	m.tokenExpiry = time.Time{}
	m.mu.Unlock()

	err := m.config.Update(map[string]any{
		config.KeyAuthMethod: "",
		config.KeyJiraURL:    "",
		config.KeyJiraEmail:  "",
		config.KeyCloudID:    "",
		config.KeySiteName:   "",
	})
	if err != nil {
		return fmt.Errorf("failed to clear auth settings: %w", err)
	}
	return nil
}

func (m *Manager) exchangeCode(ctx context.Context, code, redirectURI string) (*storedTokens, error) {
	m.logger.Debug("Exchanging authorization code for tokens")
	tokens, err := m.postTokenRequest(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     m.config.GetString(config.KeyClientID),
		"client_secret": m.config.GetString(config.KeyClientSecret),
		"code":          code,
		"redirect_uri":  redirectURI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	m.mu.Lock()
	m.accessToken = tokens.AccessToken
	m.tokenExpiry = time.Unix(int64(tokens.Expiry), 0)
	m.mu.Unlock()
	return tokens, nil
}

func (m *Manager) refreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	m.logger.Debug("Refreshing access token")
	tokens, err := m.postTokenRequest(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     m.config.GetString(config.KeyClientID),
		"client_secret": m.config.GetString(config.KeyClientSecret),
		"refresh_token": refreshToken,
	})
	if err != nil {
		m.mu.Lock()
		m.accessToken = ""
		m.tokenExpiry = time.Time{}
		m.mu.Unlock()
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	// Atlassian rotates refresh tokens, so the new one must be stored
	// before anything else can fail.
	if err := m.storeTokens(tokens); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.accessToken = tokens.AccessToken
	m.tokenExpiry = time.Unix(int64(tokens.Expiry), 0)
	m.mu.Unlock()
	m.logger.Info("Token refreshed successfully")
	return tokens.AccessToken, nil
}

func (m *Manager) postTokenRequest(ctx context.Context, payload map[string]string) (*storedTokens, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	expiresIn := tr.ExpiresIn
	if expiresIn == 0 {
		expiresIn = defaultExpiresIn
	}
	m.logger.Debug("Token endpoint responded", "expires_in", expiresIn)

	return &storedTokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Expiry:       float64(m.now().Unix()) + float64(expiresIn),
	}, nil
}

func (m *Manager) fetchAccessibleResources(ctx context.Context, accessToken string) ([]Site, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accessible resources: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("accessible resources endpoint returned %s", resp.Status)
	}

	var resources []accessibleResource
	if err := json.NewDecoder(resp.Body).Decode(&resources); err != nil {
		return nil, fmt.Errorf("failed to decode accessible resources: %w", err)
	}

	sites := make([]Site, 0, len(resources))
	for _, r := range resources {
		name := r.Name
		if name == "" {
			name = r.ID
		}
		sites = append(sites, Site{CloudID: r.ID, Name: name, URL: r.URL})
	}
	return sites, nil
}

func (m *Manager) selectSite(site Site) error {
	m.logger.Info("Selected Jira site", "site", site.Name, "cloud_id", site.CloudID)
	err := m.config.Update(map[string]any{
		config.KeyCloudID:  site.CloudID,
		config.KeySiteName: site.Name,
	})
	if err != nil {
		return fmt.Errorf("failed to persist site selection: %w", err)
	}
	return nil
}

func (m *Manager) storeTokens(tokens *storedTokens) error {
	payload, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("failed to encode tokens: %w", err)
	}
	if err := keyring.Set(keyringService, keyringTokens, string(payload)); err != nil {
		return fmt.Errorf("failed to store tokens in keyring: %w", err)
	}
	return nil
}

// loadTokens returns nil without error when no entry exists or the
// stored payload is not valid JSON.
func (m *Manager) loadTokens() (*storedTokens, error) {
	raw, err := keyring.Get(keyringService, keyringTokens)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens from keyring: %w", err)
	}

	var tokens storedTokens
	if err := json.Unmarshal([]byte(raw), &tokens); err != nil {
		m.logger.Warn("Discarding malformed token entry in keyring", "error", err)
		return nil, nil
	}
	return &tokens, nil
}

func siteNameFromURL(rawURL string) string {
	name := strings.TrimRight(rawURL, "/")
	name = strings.TrimPrefix(name, "https://")
	name = strings.TrimPrefix(name, "http://")
	return strings.TrimSuffix(name, ".atlassian.net")
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func openBrowser(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}
