package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/Stronautt/epic-report-generator/internal/config"
	"github.com/Stronautt/epic-report-generator/internal/models"
)

const (
	cloudAPIBase   = "https://api.atlassian.com/ex/jira"
	requestTimeout = 30 * time.Second

	maxResults  = 100
	maxRetries  = 4
	backoffBase = time.Second

	requestsPerSecond = 10
	requestBurst      = 10
)

var (
	// ErrEpicNotFound is returned when a JQL key lookup matches nothing.
	ErrEpicNotFound = errors.New("epic not found")

	// ErrNotConnected is returned when a request is made before a
	// successful Connect call.
	ErrNotConnected = errors.New("not connected to Jira")
)

// StatusError is a non-2xx response from the Jira API.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("jira API returned %s", e.Status)
}

// CredentialSource provides the auth material for Jira connections.
// *auth.Manager implements it.
type CredentialSource interface {
	AccessToken(ctx context.Context) (string, error)
	APIToken() (string, error)
	CloudID() string
	SetCloudID(cloudID string) error
	AuthMethod() string
	JiraURL() string
	JiraEmail() string
}

// User is the authenticated Jira account.
type User struct {
	DisplayName  string `json:"displayName"`
	AvatarURL    string `json:"avatarUrl"`
	EmailAddress string `json:"emailAddress"`
}

// Field describes one Jira field, for custom field mapping.
type Field struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
}

// Client is a Jira Cloud REST client scoped to Epic reporting. A Client
// is not usable until Connect, ConnectBasic, or ConnectFromConfig
// succeeds.
type Client struct {
	auth    CredentialSource
	logger  *slog.Logger
	limiter *rate.Limiter

	httpClient *http.Client
	baseURL    string
	basicUser  string
	basicToken string

	cloudBase string
	backoff   time.Duration
}

func NewClient(creds CredentialSource, logger *slog.Logger) *Client {
	return &Client{
		auth:      creds,
		logger:    logger,
		limiter:   rate.NewLimiter(requestsPerSecond, requestBurst),
		cloudBase: cloudAPIBase,
		backoff:   backoffBase,
	}
}

// Connect establishes (or re-establishes) the OAuth Jira connection.
func (c *Client) Connect(ctx context.Context) error {
	token, err := c.auth.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("cannot connect without an access token: %w", err)
	}
	cloudID := c.auth.CloudID()
	if cloudID == "" {
		return fmt.Errorf("cloud_id is required")
	}

	server := c.cloudBase + "/" + cloudID
	c.logger.Debug("Connecting to Jira", "server", server)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(ctx, ts)
	httpClient.Timeout = requestTimeout

	c.httpClient = httpClient
	c.baseURL = server
	c.basicUser, c.basicToken = "", ""

	if err := c.ping(ctx); err != nil {
		c.disconnect()
		return fmt.Errorf("failed to connect to Jira: %w", err)
	}

	c.logger.Info("Connected to Jira", "cloud_id", cloudID)
	return nil
}

// ConnectBasic connects using an API token. Classic unscoped tokens
// authenticate directly against the instance URL; scoped API keys only
// work through the cloud API, so a 401 falls back to resolving the
// site's cloudId and retrying there.
func (c *Client) ConnectBasic(ctx context.Context, jiraURL, email, token string) error {
	instanceURL := strings.TrimRight(jiraURL, "/")
	c.logger.Debug("Connecting to Jira", "server", instanceURL, "auth", "basic")

	c.httpClient = &http.Client{Timeout: requestTimeout}
	c.baseURL = instanceURL
	c.basicUser, c.basicToken = email, token

	err := c.ping(ctx)
	if err == nil {
		c.logger.Info("Connected to Jira via basic auth", "server", instanceURL)
		return nil
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusUnauthorized {
		c.disconnect()
		return fmt.Errorf("failed to connect to Jira: %w", err)
	}
	c.logger.Debug("Basic auth returned 401, trying scoped token via cloud API")

	cloudID := c.auth.CloudID()
	if cloudID == "" {
		cloudID = c.resolveCloudID(ctx, instanceURL)
	}
	if cloudID == "" {
		c.disconnect()
		return fmt.Errorf("could not resolve cloudId for %s", instanceURL)
	}

	cloudURL := c.cloudBase + "/" + cloudID
	c.logger.Debug("Retrying with cloud API URL", "server", cloudURL)
	c.baseURL = cloudURL

	if err := c.ping(ctx); err != nil {
		c.disconnect()
		return fmt.Errorf("failed to connect to Jira with scoped token: %w", err)
	}

	// Cache the cloudId so subsequent reconnects skip the lookup.
	if c.auth.CloudID() == "" {
		if err := c.auth.SetCloudID(cloudID); err != nil {
			c.logger.Warn("Failed to cache cloudId", "error", err)
		}
	}

	c.logger.Info("Connected to Jira via scoped API key", "cloud_id", cloudID)
	return nil
}

// ConnectFromConfig connects using whichever auth method is configured.
func (c *Client) ConnectFromConfig(ctx context.Context) error {
	switch method := c.auth.AuthMethod(); method {
	case config.AuthMethodAPIToken:
		token, err := c.auth.APIToken()
		if err != nil {
			return fmt.Errorf("cannot connect without an API token: %w", err)
		}
		return c.ConnectBasic(ctx, c.auth.JiraURL(), c.auth.JiraEmail(), token)
	case config.AuthMethodOAuth:
		return c.Connect(ctx)
	default:
		return fmt.Errorf("no auth method configured, run login first")
	}
}

// Connected reports whether the Jira session is active.
func (c *Client) Connected() bool {
	return c.httpClient != nil
}

// Myself fetches the authenticated user's profile.
func (c *Client) Myself(ctx context.Context) (*User, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	var me struct {
		DisplayName  string            `json:"displayName"`
		EmailAddress string            `json:"emailAddress"`
		AvatarURLs   map[string]string `json:"avatarUrls"`
	}
	if err := c.get(ctx, "/rest/api/2/myself", nil, &me); err != nil {
		return nil, fmt.Errorf("failed to fetch current user: %w", err)
	}

	c.logger.Info("Authenticated to Jira", "user", me.DisplayName)
	return &User{
		DisplayName:  me.DisplayName,
		AvatarURL:    me.AvatarURLs["48x48"],
		EmailAddress: me.EmailAddress,
	}, nil
}

// FetchEpic fetches a single Epic and all of its child issues. The
// children come back ordered by creation date ascending.
func (c *Client) FetchEpic(ctx context.Context, epicKey, spField, epicLinkField string) (*models.Epic, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	c.logger.Info("Fetching epic", "epic", epicKey)
	issues, err := c.searchWithRetry(ctx, fmt.Sprintf("key = %s", epicKey), 0, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch epic %s: %w", epicKey, err)
	}
	if len(issues) == 0 {
		c.logger.Warn("Epic not found", "epic", epicKey)
		return nil, fmt.Errorf("epic %s: %w", epicKey, ErrEpicNotFound)
	}

	epic := epicFromWire(&issues[0])
	children, err := c.fetchChildren(ctx, epicKey, spField, epicLinkField)
	if err != nil {
		return nil, err
	}
	epic.Children = children

	c.logger.Info("Fetched epic", "epic", epicKey, "children", len(children), "status", epic.Status)
	return epic, nil
}

// ValidateEpicKey reports whether the Epic key exists in Jira.
func (c *Client) ValidateEpicKey(ctx context.Context, epicKey string) (bool, error) {
	if !c.Connected() {
		return false, ErrNotConnected
	}

	c.logger.Debug("Validating epic key", "epic", epicKey)
	issues, err := c.searchWithRetry(ctx, fmt.Sprintf("key = %s", epicKey), 0, 1)
	if err != nil {
		return false, fmt.Errorf("failed to validate epic %s: %w", epicKey, err)
	}
	return len(issues) > 0, nil
}

// FetchFields returns all Jira fields, for custom field mapping.
func (c *Client) FetchFields(ctx context.Context) ([]Field, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}

	c.logger.Debug("Fetching Jira fields")
	var fields []Field
	if err := c.get(ctx, "/rest/api/2/field", nil, &fields); err != nil {
		return nil, fmt.Errorf("failed to fetch fields: %w", err)
	}

	c.logger.Info("Fetched Jira fields", "count", len(fields))
	return fields, nil
}

// ProjectName returns the display name of a Jira project.
func (c *Client) ProjectName(ctx context.Context, projectKey string) (string, error) {
	if !c.Connected() {
		return "", ErrNotConnected
	}

	c.logger.Debug("Looking up project name", "project", projectKey)
	var project struct {
		Name string `json:"name"`
	}
	if err := c.get(ctx, "/rest/api/2/project/"+url.PathEscape(projectKey), nil, &project); err != nil {
		return "", fmt.Errorf("failed to look up project %s: %w", projectKey, err)
	}
	return project.Name, nil
}

func (c *Client) fetchChildren(ctx context.Context, epicKey, spField, epicLinkField string) ([]models.Issue, error) {
	jql := fmt.Sprintf(`"%s" = %s ORDER BY created ASC`, epicLinkField, epicKey)
	c.logger.Debug("Fetching children", "epic", epicKey, "field", epicLinkField)

	children := []models.Issue{}
	start := 0
	for {
		issues, err := c.searchWithRetry(ctx, jql, start, maxResults)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch children of %s: %w", epicKey, err)
		}
		if len(issues) == 0 {
			break
		}
		for i := range issues {
			children = append(children, issueFromWire(&issues[i], spField))
		}
		if len(issues) < maxResults {
			break
		}
		start += maxResults
	}

	return children, nil
}

// searchWithRetry executes a JQL search, backing off exponentially on
// 429 responses.
func (c *Client) searchWithRetry(ctx context.Context, jql string, startAt, max int) ([]wireIssue, error) {
	params := url.Values{
		"jql":        {jql},
		"startAt":    {strconv.Itoa(startAt)},
		"maxResults": {strconv.Itoa(max)},
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		var page searchResponse
		err := c.get(ctx, "/rest/api/2/search", params, &page)
		if err == nil {
			return page.Issues, nil
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusTooManyRequests && attempt < maxRetries-1 {
			delay := c.backoff << attempt
			c.logger.Warn("Rate limited, retrying", "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		return nil, err
	}

	return nil, nil // unreachable; the last attempt always returns
}

// ping validates the connection with a lightweight serverInfo call.
func (c *Client) ping(ctx context.Context) error {
	var info struct {
		BaseURL string `json:"baseUrl"`
		Version string `json:"version"`
	}
	return c.get(ctx, "/rest/api/2/serverInfo", nil, &info)
}

func (c *Client) resolveCloudID(ctx context.Context, instanceURL string) string {
	tenantURL := instanceURL + "/_edge/tenant_info"
	c.logger.Debug("Resolving cloudId", "url", tenantURL)

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tenantURL, nil)
	if err != nil {
		c.logger.Warn("Failed to resolve cloudId", "url", tenantURL, "error", err)
		return ""
	}

	resp, err := client.Do(req)
	if err != nil {
		c.logger.Warn("Failed to resolve cloudId", "url", tenantURL, "error", err)
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Failed to resolve cloudId", "url", tenantURL, "status", resp.Status)
		return ""
	}

	var tenant struct {
		CloudID string `json:"cloudId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tenant); err != nil {
		c.logger.Warn("Failed to decode tenant info", "url", tenantURL, "error", err)
		return ""
	}

	if tenant.CloudID != "" {
		c.logger.Info("Resolved cloudId", "cloud_id", tenant.CloudID, "server", instanceURL)
	}
	return tenant.CloudID
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	if c.httpClient == nil {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.basicUser != "" {
		req.SetBasicAuth(c.basicUser, c.basicToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) disconnect() {
	c.httpClient = nil
	c.baseURL = ""
	c.basicUser = ""
	c.basicToken = ""
}
