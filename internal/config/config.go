package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/mescon/stallarr/internal/crypto"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// ManagerConfig describes one Sonarr or Radarr instance.
type ManagerConfig struct {
	// Host is the base URL including scheme, e.g. http://sonarr:8989
	Host string

	// APIKey is sent as X-Api-Key on every request
	APIKey string

	// Category is the download client category this manager files its grabs under
	Category string
}

// QBittorrentConfig holds the connection for the completed-torrent cleaner.
type QBittorrentConfig struct {
	Host     string
	Username string
	Password string
}

// Enabled reports whether a qBittorrent host was configured.
func (q QBittorrentConfig) Enabled() bool {
	return q.Host != ""
}

// Config holds all application configuration. It is built once by Load and
// handed to constructors; nothing mutates it afterwards.
type Config struct {
	// CheckInterval is the sleep between polling cycles (CHECK_INTERVAL, minutes)
	CheckInterval time.Duration

	// StallChecks is how many consecutive anomalous observations are tolerated
	// before a download is declared stalled (STALL_CHECKS)
	StallChecks int

	// StallDays is the age after which a last-seen-complete timestamp counts as stale (STALL_DAYS)
	StallDays int

	// RecentDownloadGracePeriod exempts freshly added downloads from stall checks
	// (RECENT_DOWNLOAD_GRACE_PERIOD, minutes, default: 30)
	RecentDownloadGracePeriod time.Duration

	// DownloadClient is the client name managers record in grab history (DOWNLOAD_CLIENT)
	DownloadClient string

	// EmulerrHost is the eMulerr base URL (EMULERR_HOST)
	EmulerrHost string

	// Radarr and Sonarr are nil when the corresponding host is not configured
	Radarr *ManagerConfig
	Sonarr *ManagerConfig

	DeleteIfUnmonitoredSerie   bool
	DeleteIfUnmonitoredSeason  bool
	DeleteIfUnmonitoredEpisode bool
	DeleteIfUnmonitoredMovie   bool
	DeleteIfOnlyOnEmulerr      bool

	// DryRun logs every mutating action instead of performing it (default: false)
	DryRun bool

	PushoverAppToken string
	PushoverUserKey  string

	// NotificationURLs are additional shoutrrr service URLs (NOTIFICATION_URLS, comma separated)
	NotificationURLs []string

	// NotifyOnConnectivityFailure sends a notification when a cycle is aborted (default: true)
	NotifyOnConnectivityFailure bool

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// LogDir enables the rotating log file when non-empty (LOG_TO_FILE)
	LogDir string

	// HTTPTimeout bounds every remote call (default: 30s)
	HTTPTimeout time.Duration

	// HTTPRetryAttempts is the total attempt budget for idempotent GETs, 1..10 (default: 5)
	HTTPRetryAttempts int

	// HTTPRetryDelay and HTTPRetryMaxDelay bound the exponential backoff between GET attempts
	HTTPRetryDelay    time.Duration
	HTTPRetryMaxDelay time.Duration

	// RateLimitRPS and RateLimitBurst throttle requests per remote host (default: 5 / 10)
	RateLimitRPS   float64
	RateLimitBurst int

	// HistoryPageSize is the page size for manager history lookups (default: 10)
	HistoryPageSize int

	// MarkFailedSettleDelay separates mark-failed from queue removal (default: 2s)
	MarkFailedSettleDelay time.Duration

	// DatabasePath enables the SQLite action journal when non-empty
	DatabasePath string

	// JournalRetentionDays prunes journal entries older than this many days; 0 keeps everything (default: 30)
	JournalRetentionDays int

	// StatusListen enables the status API on this address when non-empty, e.g. ":9595"
	StatusListen string

	// CORSOrigins is "*" or a comma-separated origin list allowed to call the
	// status API and open its websocket (STALLARR_CORS_ORIGIN); empty means same-origin only
	CORSOrigins string

	QBittorrent QBittorrentConfig

	// ClearCompletedSchedule is a cron expression for the in-daemon cleaner; empty disables it
	ClearCompletedSchedule string

	// ClearCompletedDeleteFiles removes payload files together with the torrent (default: true)
	ClearCompletedDeleteFiles bool
}

// Managers returns the configured managers keyed by kind ("radarr", "sonarr").
func (c *Config) Managers() map[string]*ManagerConfig {
	out := make(map[string]*ManagerConfig, 2)
	if c.Radarr != nil {
		out["radarr"] = c.Radarr
	}
	if c.Sonarr != nil {
		out["sonarr"] = c.Sonarr
	}
	return out
}

// ValidationError lists every configuration problem found during Load.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// LoadOptions selects the optional sources layered under the process environment.
type LoadOptions struct {
	// EnvFile is a dotenv file; a missing file is ignored
	EnvFile string

	// ConfigFile is any format viper understands (yaml, toml, json); keys match the env names
	ConfigFile string

	// EncryptionKey decrypts enc:v1: values; falls back to STALLARR_ENCRYPTION_KEY
	EncryptionKey string
}

// Load reads configuration from the environment (plus optional .env and config
// files), applies flag overrides and validates the result. The returned error is
// a *ValidationError when any setting is missing or malformed.
func Load(opts LoadOptions, flags FlagOverrides) (*Config, error) {
	r, err := newReader(opts)
	if err != nil {
		return nil, err
	}
	v := r.v
	cfg := &Config{
		CheckInterval:               r.requiredMinutes("CHECK_INTERVAL"),
		StallChecks:                 r.requiredInt("STALL_CHECKS"),
		StallDays:                   r.requiredInt("STALL_DAYS"),
		RecentDownloadGracePeriod:   r.minutes("RECENT_DOWNLOAD_GRACE_PERIOD"),
		DownloadClient:              r.required("DOWNLOAD_CLIENT"),
		EmulerrHost:                 strings.TrimRight(r.required("EMULERR_HOST"), "/"),
		Radarr:                      r.manager("RADARR"),
		Sonarr:                      r.manager("SONARR"),
		DeleteIfUnmonitoredSerie:    r.boolean("DELETE_IF_UNMONITORED_SERIE"),
		DeleteIfUnmonitoredSeason:   r.boolean("DELETE_IF_UNMONITORED_SEASON"),
		DeleteIfUnmonitoredEpisode:  r.boolean("DELETE_IF_UNMONITORED_EPISODE"),
		DeleteIfUnmonitoredMovie:    r.boolean("DELETE_IF_UNMONITORED_MOVIE"),
		DeleteIfOnlyOnEmulerr:       r.boolean("DELETE_IF_ONLY_ON_EMULERR"),
		DryRun:                      r.boolean("DRY_RUN"),
		PushoverAppToken:            r.secret("PUSHOVER_APP_TOKEN"),
		PushoverUserKey:             r.secret("PUSHOVER_USER_KEY"),
		NotificationURLs:            r.list("NOTIFICATION_URLS"),
		NotifyOnConnectivityFailure: r.boolean("NOTIFY_ON_CONNECTIVITY_FAILURE"),
		LogLevel:                    strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		LogDir:                      v.GetString("LOG_TO_FILE"),
		HTTPTimeout:                 r.duration("HTTP_TIMEOUT"),
		HTTPRetryAttempts:           r.integer("HTTP_RETRY_ATTEMPTS"),
		HTTPRetryDelay:              r.duration("HTTP_RETRY_DELAY"),
		HTTPRetryMaxDelay:           r.duration("HTTP_RETRY_MAX_DELAY"),
		RateLimitRPS:                r.float("API_RATE_LIMIT_RPS"),
		RateLimitBurst:              r.integer("API_RATE_LIMIT_BURST"),
		HistoryPageSize:             r.integer("HISTORY_PAGE_SIZE"),
		MarkFailedSettleDelay:       r.duration("MARK_FAILED_SETTLE_DELAY"),
		DatabasePath:                v.GetString("DATABASE_PATH"),
		JournalRetentionDays:        r.integer("JOURNAL_RETENTION_DAYS"),
		StatusListen:                v.GetString("STATUS_LISTEN"),
		CORSOrigins:                 r.raw("STALLARR_CORS_ORIGIN"),
		QBittorrent: QBittorrentConfig{
			Host:     strings.TrimRight(v.GetString("QBITTORRENT_HOST"), "/"),
			Username: v.GetString("QBITTORRENT_USERNAME"),
			Password: r.secret("QBITTORRENT_PASSWORD"),
		},
		ClearCompletedSchedule:    strings.TrimSpace(v.GetString("CLEAR_COMPLETED_SCHEDULE")),
		ClearCompletedDeleteFiles: r.boolean("CLEAR_COMPLETED_DELETE_FILES"),
	}

	cfg.ApplyFlags(flags)

	problems := append(r.problems, cfg.validate()...)
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return cfg, nil
}

// newReader layers the optional .env file and config file under the process
// environment and prepares secret decryption.
func newReader(opts LoadOptions) (*reader, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	passphrase := opts.EncryptionKey
	if passphrase == "" {
		passphrase = v.GetString("STALLARR_ENCRYPTION_KEY")
	}
	keys, err := crypto.NewKeyManager(passphrase)
	if err != nil {
		return nil, err
	}

	return &reader{v: v, keys: keys}, nil
}

// LoadCleaner reads only the settings the standalone clear-completed command
// needs, so it runs without the eMulerr and manager configuration.
func LoadCleaner(opts LoadOptions, flags FlagOverrides) (*Config, error) {
	r, err := newReader(opts)
	if err != nil {
		return nil, err
	}
	v := r.v
	cfg := &Config{
		DryRun:      r.boolean("DRY_RUN"),
		LogLevel:    strings.ToLower(strings.TrimSpace(v.GetString("LOG_LEVEL"))),
		LogDir:      v.GetString("LOG_TO_FILE"),
		HTTPTimeout: r.duration("HTTP_TIMEOUT"),
		QBittorrent: QBittorrentConfig{
			Host:     strings.TrimRight(v.GetString("QBITTORRENT_HOST"), "/"),
			Username: v.GetString("QBITTORRENT_USERNAME"),
			Password: r.secret("QBITTORRENT_PASSWORD"),
		},
		ClearCompletedDeleteFiles: r.boolean("CLEAR_COMPLETED_DELETE_FILES"),
	}
	cfg.ApplyFlags(flags)

	problems := r.problems
	switch {
	case cfg.QBittorrent.Host == "":
		problems = append(problems, "QBITTORRENT_HOST is required")
	case !validHost(cfg.QBittorrent.Host):
		problems = append(problems, fmt.Sprintf("QBITTORRENT_HOST must start with http:// or https://, got %q", cfg.QBittorrent.Host))
	}
	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("RECENT_DOWNLOAD_GRACE_PERIOD", "30")
	v.SetDefault("NOTIFY_ON_CONNECTIVITY_FAILURE", "true")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("HTTP_RETRY_ATTEMPTS", "5")
	v.SetDefault("HTTP_RETRY_DELAY", "2s")
	v.SetDefault("HTTP_RETRY_MAX_DELAY", "30s")
	v.SetDefault("API_RATE_LIMIT_RPS", "5")
	v.SetDefault("API_RATE_LIMIT_BURST", "10")
	v.SetDefault("HISTORY_PAGE_SIZE", "10")
	v.SetDefault("MARK_FAILED_SETTLE_DELAY", "2s")
	v.SetDefault("CLEAR_COMPLETED_DELETE_FILES", "true")
	v.SetDefault("JOURNAL_RETENTION_DAYS", "30")
}

// validate checks cross-field rules. Parse problems are collected by the reader.
func (c *Config) validate() []string {
	var problems []string

	if c.Radarr == nil && c.Sonarr == nil {
		problems = append(problems, "at least one of RADARR_HOST or SONARR_HOST must be set")
	}
	if c.EmulerrHost != "" && !validHost(c.EmulerrHost) {
		problems = append(problems, fmt.Sprintf("EMULERR_HOST must start with http:// or https://, got %q", c.EmulerrHost))
	}
	for _, entry := range []struct {
		name string
		m    *ManagerConfig
	}{{"RADARR", c.Radarr}, {"SONARR", c.Sonarr}} {
		name, m := entry.name, entry.m
		if m == nil {
			continue
		}
		if !validHost(m.Host) {
			problems = append(problems, fmt.Sprintf("%s_HOST must start with http:// or https://, got %q", name, m.Host))
		}
		if m.APIKey == "" {
			problems = append(problems, name+"_API_KEY is required when "+name+"_HOST is set")
		}
		if m.Category == "" {
			problems = append(problems, name+"_CATEGORY is required when "+name+"_HOST is set")
		}
	}
	// Routing matches categories exactly, so only identical names collide
	if c.Radarr != nil && c.Sonarr != nil && c.Radarr.Category != "" &&
		c.Radarr.Category == c.Sonarr.Category {
		problems = append(problems, "RADARR_CATEGORY and SONARR_CATEGORY must differ")
	}
	if c.QBittorrent.Host != "" && !validHost(c.QBittorrent.Host) {
		problems = append(problems, fmt.Sprintf("QBITTORRENT_HOST must start with http:// or https://, got %q", c.QBittorrent.Host))
	}

	if c.StallChecks < 1 {
		problems = append(problems, fmt.Sprintf("STALL_CHECKS must be >= 1, got %d", c.StallChecks))
	}
	if c.StallDays < 1 {
		problems = append(problems, fmt.Sprintf("STALL_DAYS must be >= 1, got %d", c.StallDays))
	}
	if c.JournalRetentionDays < 0 {
		problems = append(problems, fmt.Sprintf("JOURNAL_RETENTION_DAYS must be >= 0, got %d", c.JournalRetentionDays))
	}
	if c.HTTPRetryAttempts < 1 || c.HTTPRetryAttempts > 10 {
		problems = append(problems, fmt.Sprintf("HTTP_RETRY_ATTEMPTS must be between 1 and 10, got %d", c.HTTPRetryAttempts))
	}
	if c.HistoryPageSize < 1 {
		problems = append(problems, "HISTORY_PAGE_SIZE must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		problems = append(problems, "API_RATE_LIMIT_RPS and API_RATE_LIMIT_BURST must be positive")
	}
	return problems
}

func validHost(host string) bool {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		return false
	}
	u, err := url.Parse(host)
	return err == nil && u.Host != ""
}

// NewTestConfig returns a minimal valid Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		CheckInterval:               time.Minute,
		StallChecks:                 3,
		StallDays:                   7,
		RecentDownloadGracePeriod:   30 * time.Minute,
		DownloadClient:              "eMulerr",
		EmulerrHost:                 "http://emulerr:3000",
		Radarr:                      &ManagerConfig{Host: "http://radarr:7878", APIKey: "radarr-key", Category: "radarr"},
		Sonarr:                      &ManagerConfig{Host: "http://sonarr:8989", APIKey: "sonarr-key", Category: "tv-sonarr"},
		NotifyOnConnectivityFailure: true,
		LogLevel:                    "debug",
		HTTPTimeout:                 5 * time.Second,
		HTTPRetryAttempts:           3,
		HTTPRetryDelay:              time.Millisecond,
		HTTPRetryMaxDelay:           5 * time.Millisecond,
		RateLimitRPS:                1000,
		RateLimitBurst:              1000,
		HistoryPageSize:             10,
		MarkFailedSettleDelay:       2 * time.Second,
		JournalRetentionDays:        30,
		ClearCompletedDeleteFiles:   true,
	}
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	DryRun         *bool
	LogLevel       *string
	LogDir         *string
	CheckInterval  *time.Duration
	DatabasePath   *string
	StatusListen   *string
	DownloadClient *string
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Only non-nil values with non-zero flag values will override, except DryRun
// which applies whenever set.
func (c *Config) ApplyFlags(flags FlagOverrides) {
	if flags.DryRun != nil {
		c.DryRun = *flags.DryRun
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		c.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.LogDir != nil && *flags.LogDir != "" {
		c.LogDir = *flags.LogDir
	}
	if flags.CheckInterval != nil && *flags.CheckInterval != 0 {
		c.CheckInterval = *flags.CheckInterval
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		c.DatabasePath = *flags.DatabasePath
	}
	if flags.StatusListen != nil && *flags.StatusListen != "" {
		c.StatusListen = *flags.StatusListen
	}
	if flags.DownloadClient != nil && *flags.DownloadClient != "" {
		c.DownloadClient = *flags.DownloadClient
	}
}

// reader pulls typed values out of viper and records every parse problem
// instead of stopping at the first.
type reader struct {
	v        *viper.Viper
	keys     *crypto.KeyManager
	problems []string
}

func (r *reader) raw(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) fail(format string, args ...interface{}) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
}

func (r *reader) required(key string) string {
	value := r.raw(key)
	if value == "" {
		r.fail("%s is required", key)
	}
	return value
}

func (r *reader) requiredInt(key string) int {
	value := r.required(key)
	if value == "" {
		return 0
	}
	return r.parseInt(key, value)
}

func (r *reader) integer(key string) int {
	value := r.raw(key)
	if value == "" {
		return 0
	}
	return r.parseInt(key, value)
}

func (r *reader) parseInt(key, value string) int {
	i, err := strconv.Atoi(value)
	if err != nil {
		r.fail("%s must be an integer, got %q", key, value)
		return 0
	}
	return i
}

func (r *reader) float(key string) float64 {
	value := r.raw(key)
	if value == "" {
		return 0
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		r.fail("%s must be a number, got %q", key, value)
		return 0
	}
	return f
}

// requiredMinutes and minutes accept a bare integer (minutes) or a Go duration string.
func (r *reader) requiredMinutes(key string) time.Duration {
	if r.required(key) == "" {
		return 0
	}
	d := r.minutes(key)
	if d <= 0 {
		r.fail("%s must be positive", key)
	}
	return d
}

func (r *reader) minutes(key string) time.Duration {
	value := r.raw(key)
	if value == "" {
		return 0
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Minute
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail("%s must be a number of minutes or a duration, got %q", key, value)
		return 0
	}
	return d
}

func (r *reader) duration(key string) time.Duration {
	value := r.raw(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail("%s must be a duration like 30s or 5m, got %q", key, value)
		return 0
	}
	return d
}

// boolean accepts "true", "1", "yes" as true values (case-insensitive).
func (r *reader) boolean(key string) bool {
	lower := strings.ToLower(r.raw(key))
	return lower == "true" || lower == "1" || lower == "yes"
}

func (r *reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.raw(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, r.decrypt(key, part))
		}
	}
	return out
}

func (r *reader) secret(key string) string {
	return r.decrypt(key, r.raw(key))
}

func (r *reader) decrypt(key, value string) string {
	if !crypto.IsEncrypted(value) {
		return value
	}
	plain, err := r.keys.Decrypt(value)
	if err != nil {
		r.fail("%s could not be decrypted: %v", key, err)
		return ""
	}
	return plain
}

// manager returns nil when <PREFIX>_HOST is unset.
func (r *reader) manager(prefix string) *ManagerConfig {
	host := r.raw(prefix + "_HOST")
	if host == "" {
		return nil
	}
	return &ManagerConfig{
		Host:     strings.TrimRight(host, "/"),
		APIKey:   r.secret(prefix + "_API_KEY"),
		Category: r.raw(prefix + "_CATEGORY"),
	}
}
