package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Stronautt/epic-report-generator/internal/auth"
	"github.com/Stronautt/epic-report-generator/internal/chart"
	"github.com/Stronautt/epic-report-generator/internal/config"
	"github.com/Stronautt/epic-report-generator/internal/engine"
	"github.com/Stronautt/epic-report-generator/internal/jira"
	"github.com/Stronautt/epic-report-generator/internal/metrics"
	"github.com/Stronautt/epic-report-generator/internal/models"
)

var (
	// Version information - set by build flags
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"

	// CLI flags
	verbose      bool
	epicsFlag    string
	projectName  string
	titleFlag    string
	authorFlag   string
	companyFlag  string
	confidential bool
	darkMode     bool
	outputFile   string
	formatFlag   string
	chartEpic    string
	chartDPI     int
	loginURL     string
	loginEmail   string
	loginToken   string
	clientID     string
	clientSecret string
)

// epicKeyRE matches normalized Jira issue keys like PROJ-123.
var epicKeyRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]+-\d+$`)

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "epicreport",
	Short: "Generate Epic progress reports from Jira",
	Long: `A command-line tool that builds Epic progress reports from Jira Cloud.

It fetches one or more Epics with their child issues, computes progress,
velocity, and forecast metrics, and renders a landscape PDF deck or an
XLSX workbook with a burn-up trend chart per Epic.`,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an Epic progress report",
	Long: `Generate a progress report for one or more Jira Epics.

The generation process will:
1. Connect to Jira with the stored credentials
2. Fetch each Epic and its child issues
3. Compute progress, velocity, and forecast metrics
4. Render the report as PDF or XLSX and write it to disk

Epic keys fall back to the ones used on the previous run.`,
	RunE: runGenerate,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the Jira connection and epic keys",
	Long:  "Validate the stored credentials by connecting to Jira and checking that each epic key exists.",
	RunE:  runValidate,
}

var fieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List Jira fields",
	Long: `List every field of the connected Jira instance.

Use this to find the ids for story_points_field and epic_link_field when
the defaults do not match your instance.`,
	RunE: runFields,
}

var chartCmd = &cobra.Command{
	Use:   "chart",
	Short: "Render the trend chart for a single Epic",
	Long:  "Fetch one Epic and render its burn-up trend chart as a standalone PNG.",
	RunE:  runChart,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with Jira",
	Long:  "Store Jira credentials, either an API token or an OAuth authorization.",
}

var loginTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Log in with a Jira API token",
	Long:  "Store an API token in the system keychain and verify it by connecting.",
	RunE:  runLoginToken,
}

var loginOAuthCmd = &cobra.Command{
	Use:   "oauth",
	Short: "Log in through the Atlassian OAuth flow",
	Long: `Run the browser-based OAuth authorization flow.

Requires an OAuth app registered at developer.atlassian.com with the
callback URL http://localhost:<callback_port>/callback. The client id and
secret are read from the config unless passed as flags.`,
	RunE: runLoginOAuth,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored credentials",
	Long:  "Remove tokens from the system keychain and reset the auth settings.",
	RunE:  runLogout,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  "Commands for inspecting and changing settings.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show all settings",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore all settings to their defaults",
	RunE:  runConfigReset,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display the version, commit, and build time of the application.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("epicreport version %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Built: %s\n", BuildTime)
	},
}

func init() {
	// Root command flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	// Generate command flags
	generateCmd.Flags().StringVarP(&epicsFlag, "epics", "e", "", "Comma-separated Epic keys (default: keys from the previous run)")
	generateCmd.Flags().StringVarP(&projectName, "project", "p", "", "Project display name for the title page (default: resolved from Jira)")
	generateCmd.Flags().StringVar(&titleFlag, "title", "", "Report title (default: configured default_title)")
	generateCmd.Flags().StringVar(&authorFlag, "author", "", "Report author (default: configured default_author)")
	generateCmd.Flags().StringVar(&companyFlag, "company", "", "Company name for the footer (default: configured default_company)")
	generateCmd.Flags().BoolVar(&confidential, "confidential", false, "Mark the report as confidential")
	generateCmd.Flags().BoolVar(&darkMode, "dark", false, "Render with the dark theme")
	generateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: epic_report_<date>.<format>)")
	generateCmd.Flags().StringVar(&formatFlag, "format", "pdf", "Output format: pdf or xlsx")

	// Validate command flags
	validateCmd.Flags().StringVarP(&epicsFlag, "epics", "e", "", "Comma-separated Epic keys (default: keys from the previous run)")

	// Chart command flags
	chartCmd.Flags().StringVar(&chartEpic, "epic", "", "Epic key to chart")
	chartCmd.Flags().IntVar(&chartDPI, "dpi", chart.DefaultDPI, "Chart resolution in dots per inch")
	chartCmd.Flags().BoolVar(&darkMode, "dark", false, "Render with the dark theme")
	chartCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: <epic>_trend.png)")

	// Login command flags
	loginTokenCmd.Flags().StringVar(&loginURL, "url", "", "Jira site URL, e.g. https://yourteam.atlassian.net")
	loginTokenCmd.Flags().StringVar(&loginEmail, "email", "", "Atlassian account email")
	loginTokenCmd.Flags().StringVar(&loginToken, "token", "", "Jira API token")
	loginOAuthCmd.Flags().StringVar(&clientID, "client-id", "", "OAuth app client id (default: configured client_id)")
	loginOAuthCmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth app client secret (default: configured client_secret)")

	// Add subcommands
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(fieldsCmd)
	rootCmd.AddCommand(chartCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	loginCmd.AddCommand(loginTokenCmd)
	loginCmd.AddCommand(loginOAuthCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configResetCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg := config.NewManager()

	format := engine.Format(strings.ToLower(formatFlag))
	if format != engine.FormatPDF && format != engine.FormatXLSX {
		return fmt.Errorf("invalid format %q, expected pdf or xlsx", formatFlag)
	}

	keys, err := resolveEpicKeys(cfg)
	if err != nil {
		return err
	}
	projectKey, err := sharedProjectKey(keys)
	if err != nil {
		return err
	}

	reportCfg := models.NewReportConfig()
	reportCfg.EpicKeys = keys
	reportCfg.ProjectKey = projectKey
	reportCfg.Confidential = confidential
	reportCfg.DarkMode = darkMode
	if title := firstNonEmpty(titleFlag, cfg.GetString(config.KeyDefaultTitle)); title != "" {
		reportCfg.Title = title
	}
	reportCfg.Author = cfg.GetString(config.KeyDefaultAuthor)
	if authorFlag != "" {
		reportCfg.Author = authorFlag
	}
	reportCfg.CompanyName = cfg.GetString(config.KeyDefaultCompany)
	if companyFlag != "" {
		reportCfg.CompanyName = companyFlag
	}
	if v := cfg.GetString(config.KeyStoryPointsField); v != "" {
		reportCfg.StoryPointsField = v
	}
	if v := cfg.GetString(config.KeyEpicLinkField); v != "" {
		reportCfg.EpicLinkField = v
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	client, err := connectClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	reportCfg.ProjectDisplayName = projectName
	if reportCfg.ProjectDisplayName == "" {
		name, err := client.ProjectName(ctx, projectKey)
		if err != nil || name == "" {
			logger.Debug("Could not resolve project name, using the key", "project", projectKey, "error", err)
			name = projectKey
		}
		reportCfg.ProjectDisplayName = name
	}

	eng := engine.NewEngine(client, logger)

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Generating"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	_ = bar.RenderBlank()

	data, doc, err := eng.Generate(ctx, reportCfg, format, func(msg string, percent int) {
		bar.Describe(msg)
		_ = bar.Set(percent)
	})
	finishBar(bar)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("report generation failed: %w", err)
	}

	for _, msg := range data.Errors {
		logger.Warn(msg)
	}
	if doc == nil {
		return fmt.Errorf("no epics could be fetched")
	}

	outPath := outputFile
	if outPath == "" {
		outPath = fmt.Sprintf("epic_report_%s.%s", time.Now().Format("20060102"), format)
	}
	if err := os.WriteFile(outPath, doc, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if err := cfg.Set(config.KeyLastEpicKeys, keys); err != nil {
		logger.Warn("Failed to remember epic keys", "error", err)
	}

	p := message.NewPrinter(language.English)
	fmt.Printf("Report ready — %d epic(s), %s bytes\n", len(data.Epics), p.Sprintf("%d", len(doc)))
	fmt.Printf("Saved to %s\n", outPath)

	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg := config.NewManager()

	// Epic keys are optional here: with none given this still checks the
	// stored credentials by connecting.
	keys := splitKeys(epicsFlag)
	if len(keys) == 0 {
		keys = cfg.GetStringSlice(config.KeyLastEpicKeys)
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	client, err := connectClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	me, err := client.Myself(ctx)
	if err != nil {
		return fmt.Errorf("connected but could not fetch the user profile: %w", err)
	}
	logger.Info("✓ Connected to Jira", "user", me.DisplayName, "site", cfg.GetString(config.KeySiteName))

	missing := 0
	for _, key := range keys {
		found, err := client.ValidateEpicKey(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to validate epic %s: %w", key, err)
		}
		if found {
			logger.Info("✓ Epic found", "epic", key)
		} else {
			logger.Warn("✗ Epic not found", "epic", key)
			missing++
		}
	}
	if missing > 0 {
		return fmt.Errorf("%d epic key(s) could not be found", missing)
	}

	logger.Info("✓ Configuration is valid and ready for reporting")
	return nil
}

func runFields(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg := config.NewManager()

	ctx, cancel := signalContext(logger)
	defer cancel()

	client, err := connectClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	fields, err := client.FetchFields(ctx)
	if err != nil {
		return err
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	fmt.Printf("%-28s %s\n", "ID", "NAME")
	for _, f := range fields {
		name := f.Name
		if f.Custom {
			name += " (custom)"
		}
		fmt.Printf("%-28s %s\n", f.ID, name)
	}
	fmt.Printf("\n%d fields. Point story_points_field or epic_link_field at one of these ids with 'epicreport config set'.\n", len(fields))

	return nil
}

func runChart(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg := config.NewManager()

	key := strings.ToUpper(strings.TrimSpace(chartEpic))
	if key == "" {
		return fmt.Errorf("epic key is required (use --epic)")
	}
	if !epicKeyRE.MatchString(key) {
		return fmt.Errorf("invalid epic key: %s", key)
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	client, err := connectClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	spinner := newSpinner(fmt.Sprintf("Fetching %s", key))
	epic, err := client.FetchEpic(ctx, key, cfg.GetString(config.KeyStoryPointsField), cfg.GetString(config.KeyEpicLinkField))
	finishBar(spinner)
	fmt.Println()
	if err != nil {
		return err
	}

	m := metrics.Calculate(epic, time.Now())
	png, err := chart.Render(m, chartDPI, darkMode)
	if err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	if png == nil {
		return fmt.Errorf("epic %s has no time series to chart", key)
	}

	outPath := outputFile
	if outPath == "" {
		outPath = fmt.Sprintf("%s_trend.png", strings.ToLower(key))
	}
	if err := os.WriteFile(outPath, png, 0644); err != nil {
		return fmt.Errorf("failed to write chart: %w", err)
	}

	p := message.NewPrinter(language.English)
	fmt.Printf("Chart ready — %s bytes\n", p.Sprintf("%d", len(png)))
	fmt.Printf("Saved to %s\n", outPath)

	return nil
}

func runLoginToken(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg := config.NewManager()

	if loginURL == "" {
		return fmt.Errorf("jira URL is required")
	}
	if loginEmail == "" {
		return fmt.Errorf("email is required")
	}
	if loginToken == "" {
		return fmt.Errorf("API token is required")
	}

	authMgr := auth.NewManager(cfg, logger)
	if err := authMgr.LoginAPIToken(loginURL, loginEmail, loginToken); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	client := jira.NewClient(authMgr, logger)
	spinner := newSpinner("Verifying connection")
	err := client.ConnectFromConfig(ctx)
	finishBar(spinner)
	fmt.Println()
	if err != nil {
		return err
	}

	me, err := client.Myself(ctx)
	if err != nil {
		return fmt.Errorf("connected but could not fetch the user profile: %w", err)
	}
	logger.Info("✓ Logged in", "site", authMgr.SiteName(), "user", me.DisplayName)

	return nil
}

func runLoginOAuth(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg := config.NewManager()

	if clientID != "" {
		if err := cfg.Set(config.KeyClientID, clientID); err != nil {
			return fmt.Errorf("failed to save client_id: %w", err)
		}
	}
	if clientSecret != "" {
		if err := cfg.Set(config.KeyClientSecret, clientSecret); err != nil {
			return fmt.Errorf("failed to save client_secret: %w", err)
		}
	}

	authMgr := auth.NewManager(cfg, logger)

	ctx, cancel := signalContext(logger)
	defer cancel()

	fmt.Println("A browser window will open to authorize access to your Jira site.")
	result, err := authMgr.StartLogin(ctx)
	if err != nil {
		return err
	}

	site := result.Site
	if site == nil {
		fmt.Println("Multiple Jira sites are available:")
		for i, s := range result.Sites {
			fmt.Printf("  %d. %s (%s)\n", i+1, s.Name, s.URL)
		}
		fmt.Printf("Select a site (1-%d): ", len(result.Sites))

		var choice int
		if _, err := fmt.Scanln(&choice); err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
		if choice < 1 || choice > len(result.Sites) {
			return fmt.Errorf("invalid selection: %d", choice)
		}

		chosen := result.Sites[choice-1]
		if err := authMgr.SelectSite(chosen); err != nil {
			return fmt.Errorf("failed to save the selected site: %w", err)
		}
		site = &chosen
	}

	logger.Info("✓ Logged in with OAuth", "site", site.Name)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	logger := setupLogger()
	cfg := config.NewManager()

	authMgr := auth.NewManager(cfg, logger)
	if err := authMgr.Logout(); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}

	logger.Info("✓ Logged out, credentials cleared")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.NewManager()

	settings := cfg.Data()
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fmt.Printf("Config file: %s\n\n", cfg.Path())
	for _, key := range keys {
		value := settings[key]
		if key == config.KeyClientSecret && value != "" {
			value = "********"
		}
		fmt.Printf("%-20s %v\n", key, value)
	}

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	cfg := config.NewManager()

	key := args[0]
	value, err := parseSettingValue(key, args[1])
	if err != nil {
		return err
	}
	if err := cfg.Set(key, value); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("%s = %v\n", key, value)
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	cfg := config.NewManager()

	if err := cfg.Reset(); err != nil {
		return fmt.Errorf("failed to reset config: %w", err)
	}

	fmt.Println("Configuration reset to defaults")
	return nil
}

func parseSettingValue(key, raw string) (any, error) {
	switch key {
	case config.KeyCallbackPort:
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be a number", key)
		}
		return port, nil
	case config.KeyLastEpicKeys:
		return splitKeys(raw), nil
	case config.KeyAuthMethod, config.KeyJiraURL, config.KeyJiraEmail,
		config.KeyClientID, config.KeyClientSecret, config.KeyCloudID,
		config.KeySiteName, config.KeyTheme, config.KeyDefaultTitle,
		config.KeyDefaultAuthor, config.KeyDefaultCompany,
		config.KeyStoryPointsField, config.KeyEpicLinkField:
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown setting %q", key)
	}
}

// resolveEpicKeys returns the normalized keys from --epics, falling back
// to the keys remembered from the previous run.
func resolveEpicKeys(cfg *config.Manager) ([]string, error) {
	keys := splitKeys(epicsFlag)
	if len(keys) == 0 {
		keys = cfg.GetStringSlice(config.KeyLastEpicKeys)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one epic key is required (use --epics)")
	}

	var invalid []string
	for _, key := range keys {
		if !epicKeyRE.MatchString(key) {
			invalid = append(invalid, key)
		}
	}
	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid epic keys: %s", strings.Join(invalid, ", "))
	}

	return keys, nil
}

// splitKeys parses comma or whitespace separated epic keys, uppercased and
// deduplicated in input order.
func splitKeys(raw string) []string {
	seen := map[string]bool{}
	var keys []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	}) {
		key := strings.ToUpper(part)
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

// sharedProjectKey derives the project key from the epic key prefixes.
// Mixing epics from different projects in one report is not supported.
func sharedProjectKey(keys []string) (string, error) {
	prefixes := map[string]bool{}
	for _, key := range keys {
		prefixes[key[:strings.LastIndex(key, "-")]] = true
	}
	if len(prefixes) != 1 {
		names := make([]string, 0, len(prefixes))
		for p := range prefixes {
			names = append(names, p)
		}
		sort.Strings(names)
		return "", fmt.Errorf("all epic keys must share the same project prefix, found: %s", strings.Join(names, ", "))
	}
	for p := range prefixes {
		return p, nil
	}
	return "", nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func connectClient(ctx context.Context, cfg *config.Manager, logger *slog.Logger) (*jira.Client, error) {
	authMgr := auth.NewManager(cfg, logger)
	client := jira.NewClient(authMgr, logger)

	spinner := newSpinner("Connecting to Jira")
	err := client.ConnectFromConfig(ctx)
	finishBar(spinner)
	fmt.Println()
	if err != nil {
		return nil, err
	}

	return client, nil
}

func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("Received interrupt signal, shutting down gracefully...")
		cancel()
	}()

	return ctx, cancel
}

func newSpinner(description string) *progressbar.ProgressBar {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	_ = bar.RenderBlank()
	return bar
}

func finishBar(bar *progressbar.ProgressBar) {
	if bar != nil {
		_ = bar.Finish()
	}
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}

	if verbose {
		opts.Level = slog.LevelDebug
	} else {
		opts.Level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
