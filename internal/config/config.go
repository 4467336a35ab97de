package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/Stronautt/epic-report-generator/internal/models"
)

const (
	appName        = "epic-report-generator"
	configFilename = "config.json"
	envPrefix      = "EPICREPORT"
)

// Settings keys. An empty auth_method means not logged in yet.
const (
	KeyAuthMethod       = "auth_method"
	KeyJiraURL          = "jira_url"
	KeyJiraEmail        = "jira_email"
	KeyClientID         = "client_id"
	KeyClientSecret     = "client_secret"
	KeyCallbackPort     = "callback_port"
	KeyCloudID          = "cloud_id"
	KeySiteName         = "site_name"
	KeyTheme            = "theme"
	KeyDefaultTitle     = "default_title"
	KeyDefaultAuthor    = "default_author"
	KeyDefaultCompany   = "default_company"
	KeyLastEpicKeys     = "last_epic_keys"
	KeyStoryPointsField = "story_points_field"
	KeyEpicLinkField    = "epic_link_field"
)

// Auth method values stored under KeyAuthMethod.
const (
	AuthMethodAPIToken = "api_token"
	AuthMethodOAuth    = "oauth"
)

// DefaultCallbackPort is the local port the OAuth callback server binds to.
const DefaultCallbackPort = 18492

func defaults() map[string]any {
	return map[string]any{
		KeyAuthMethod:       "",
		KeyJiraURL:          "",
		KeyJiraEmail:        "",
		KeyClientID:         "",
		KeyClientSecret:     "",
		KeyCallbackPort:     DefaultCallbackPort,
		KeyCloudID:          "",
		KeySiteName:         "",
		KeyTheme:            "light",
		KeyDefaultTitle:     models.DefaultTitle,
		KeyDefaultAuthor:    "",
		KeyDefaultCompany:   "",
		KeyLastEpicKeys:     []string{},
		KeyStoryPointsField: models.DefaultStoryPointsField,
		KeyEpicLinkField:    models.DefaultEpicLinkField,
	}
}

// Manager reads and writes JSON settings stored in the platform config
// directory, with environment variable overrides under the EPICREPORT prefix.
type Manager struct {
	v    *viper.Viper
	path string
}

// NewManager loads settings from the user's platform config directory.
func NewManager() *Manager {
	return NewManagerAt(filepath.Join(xdg.ConfigHome, appName))
}

// NewManagerAt loads settings from dir. A missing or corrupt config file is
// tolerated: defaults apply and the next save rewrites the file.
func NewManagerAt(dir string) *Manager {
	path := filepath.Join(dir, configFilename)
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to load config, using defaults", "path", path, "error", err)
		}
	}

	slog.Debug("Config loaded", "path", path)
	return &Manager{v: v, path: path}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	return v
}

// Path returns the location of the backing config file.
func (m *Manager) Path() string {
	return m.path
}

// Get returns the raw value for key.
func (m *Manager) Get(key string) any {
	return m.v.Get(key)
}

func (m *Manager) GetString(key string) string {
	return m.v.GetString(key)
}

func (m *Manager) GetInt(key string) int {
	return m.v.GetInt(key)
}

func (m *Manager) GetStringSlice(key string) []string {
	return m.v.GetStringSlice(key)
}

// Set stores a value and persists the full settings file.
func (m *Manager) Set(key string, value any) error {
	m.v.Set(key, value)
	return m.save()
}

// Update bulk-sets values and persists once.
func (m *Manager) Update(values map[string]any) error {
	for key, value := range values {
		m.v.Set(key, value)
	}
	return m.save()
}

// Reset restores every setting to its default and persists.
func (m *Manager) Reset() error {
	slog.Info("Resetting config to defaults")
	m.v = newViper(m.path)
	return m.save()
}

// Data returns a copy of all settings, defaults included.
func (m *Manager) Data() map[string]any {
	return m.v.AllSettings()
}

func (m *Manager) save() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := m.v.WriteConfigAs(m.path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
