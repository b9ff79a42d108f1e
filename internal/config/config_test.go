package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/stallarr/internal/crypto"
)

// setBaseEnv sets the smallest valid environment: mandatory keys plus Sonarr.
func setBaseEnv(t *testing.T) {
	t.Helper()
	for key, value := range map[string]string{
		"CHECK_INTERVAL":   "10",
		"STALL_CHECKS":     "3",
		"STALL_DAYS":       "7",
		"DOWNLOAD_CLIENT":  "eMulerr",
		"EMULERR_HOST":     "http://emulerr:3000/",
		"SONARR_HOST":      "http://sonarr:8989",
		"SONARR_API_KEY":   "abc",
		"SONARR_CATEGORY":  "tv-sonarr",
		"RADARR_HOST":      "",
		"RADARR_API_KEY":   "",
		"RADARR_CATEGORY":  "",
		"DRY_RUN":          "",
		"LOG_LEVEL":        "",
		"HTTP_TIMEOUT":     "",
		"QBITTORRENT_HOST": "",

		"STALLARR_CORS_ORIGIN": "",
	} {
		t.Setenv(key, value)
	}
}

func validationProblems(t *testing.T, err error) []string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "error should be a *ValidationError, got %v", err)
	return verr.Problems
}

// =============================================================================
// Load tests
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load(LoadOptions{}, FlagOverrides{})
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.CheckInterval)
	assert.Equal(t, 3, cfg.StallChecks)
	assert.Equal(t, 7, cfg.StallDays)
	assert.Equal(t, 30*time.Minute, cfg.RecentDownloadGracePeriod)
	assert.Equal(t, "http://emulerr:3000", cfg.EmulerrHost, "trailing slash should be trimmed")
	assert.Nil(t, cfg.Radarr)
	require.NotNil(t, cfg.Sonarr)
	assert.Equal(t, "tv-sonarr", cfg.Sonarr.Category)
	assert.False(t, cfg.DryRun)
	assert.True(t, cfg.NotifyOnConnectivityFailure)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 5, cfg.HTTPRetryAttempts)
	assert.Equal(t, 10, cfg.HistoryPageSize)
	assert.Equal(t, 2*time.Second, cfg.MarkFailedSettleDelay)
	assert.True(t, cfg.ClearCompletedDeleteFiles)
	assert.False(t, cfg.QBittorrent.Enabled())
}

func TestLoad_Gates(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DELETE_IF_UNMONITORED_SERIE", "true")
	t.Setenv("DELETE_IF_UNMONITORED_SEASON", "1")
	t.Setenv("DELETE_IF_UNMONITORED_EPISODE", "yes")
	t.Setenv("DELETE_IF_UNMONITORED_MOVIE", "no")
	t.Setenv("DELETE_IF_ONLY_ON_EMULERR", "TRUE")

	cfg, err := Load(LoadOptions{}, FlagOverrides{})
	require.NoError(t, err)

	assert.True(t, cfg.DeleteIfUnmonitoredSerie)
	assert.True(t, cfg.DeleteIfUnmonitoredSeason)
	assert.True(t, cfg.DeleteIfUnmonitoredEpisode)
	assert.False(t, cfg.DeleteIfUnmonitoredMovie)
	assert.True(t, cfg.DeleteIfOnlyOnEmulerr)
}

func TestLoad_CheckIntervalAcceptsDuration(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHECK_INTERVAL", "90s")

	cfg, err := Load(LoadOptions{}, FlagOverrides{})
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.CheckInterval)
}

func TestLoad_MissingMandatory(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CHECK_INTERVAL", "")
	t.Setenv("DOWNLOAD_CLIENT", "")

	_, err := Load(LoadOptions{}, FlagOverrides{})
	problems := validationProblems(t, err)

	assert.Contains(t, problems, "CHECK_INTERVAL is required")
	assert.Contains(t, problems, "DOWNLOAD_CLIENT is required")
}

func TestLoad_NoManagers(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SONARR_HOST", "")

	_, err := Load(LoadOptions{}, FlagOverrides{})
	problems := validationProblems(t, err)

	assert.Contains(t, problems, "at least one of RADARR_HOST or SONARR_HOST must be set")
}

func TestLoad_ManagerNeedsKeyAndCategory(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RADARR_HOST", "http://radarr:7878")

	_, err := Load(LoadOptions{}, FlagOverrides{})
	problems := validationProblems(t, err)

	assert.Contains(t, problems, "RADARR_API_KEY is required when RADARR_HOST is set")
	assert.Contains(t, problems, "RADARR_CATEGORY is required when RADARR_HOST is set")
}

func TestLoad_HostScheme(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"emulerr", "EMULERR_HOST"},
		{"sonarr", "SONARR_HOST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, "ftp://host:21")

			_, err := Load(LoadOptions{}, FlagOverrides{})
			problems := validationProblems(t, err)

			found := false
			for _, p := range problems {
				if strings.HasPrefix(p, tt.key+" must start with http:// or https://") {
					found = true
				}
			}
			assert.True(t, found, "problems %v should mention %s scheme", problems, tt.key)
		})
	}
}

func TestLoad_SharedCategoryRejected(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RADARR_HOST", "http://radarr:7878")
	t.Setenv("RADARR_API_KEY", "key")
	t.Setenv("RADARR_CATEGORY", "tv-sonarr")

	_, err := Load(LoadOptions{}, FlagOverrides{})
	problems := validationProblems(t, err)
	assert.Contains(t, problems, "RADARR_CATEGORY and SONARR_CATEGORY must differ")
}

func TestLoad_CategoriesDifferingInCaseAccepted(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RADARR_HOST", "http://radarr:7878")
	t.Setenv("RADARR_API_KEY", "key")
	t.Setenv("RADARR_CATEGORY", "TV-Sonarr")

	cfg, err := Load(LoadOptions{}, FlagOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "TV-Sonarr", cfg.Radarr.Category)
	assert.Equal(t, "tv-sonarr", cfg.Sonarr.Category)
}

func TestLoad_StallThresholdsMustBePositive(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		problem string
	}{
		{"STALL_CHECKS", "0", "STALL_CHECKS must be >= 1, got 0"},
		{"STALL_CHECKS", "-2", "STALL_CHECKS must be >= 1, got -2"},
		{"STALL_DAYS", "0", "STALL_DAYS must be >= 1, got 0"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load(LoadOptions{}, FlagOverrides{})
			assert.Contains(t, validationProblems(t, err), tt.problem)
		})
	}
}

func TestLoad_MalformedNumbers(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STALL_CHECKS", "three")
	t.Setenv("HTTP_TIMEOUT", "soon")
	t.Setenv("HTTP_RETRY_ATTEMPTS", "25")

	_, err := Load(LoadOptions{}, FlagOverrides{})
	problems := validationProblems(t, err)

	assert.Contains(t, problems, `STALL_CHECKS must be an integer, got "three"`)
	assert.Contains(t, problems, `HTTP_TIMEOUT must be a duration like 30s or 5m, got "soon"`)
	assert.Contains(t, problems, "HTTP_RETRY_ATTEMPTS must be between 1 and 10, got 25")
}

func TestLoad_EnvFile(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STALL_DAYS", "")
	os.Unsetenv("STALL_DAYS")

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("STALL_DAYS=14\n"), 0600))

	cfg, err := Load(LoadOptions{EnvFile: envFile}, FlagOverrides{})
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.StallDays)
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	setBaseEnv(t)

	_, err := Load(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "absent.env")}, FlagOverrides{})
	assert.NoError(t, err)
}

func TestLoad_EncryptedSecret(t *testing.T) {
	setBaseEnv(t)

	km, err := crypto.NewKeyManager("passphrase")
	require.NoError(t, err)
	encrypted, err := km.Encrypt("real-sonarr-key")
	require.NoError(t, err)
	t.Setenv("SONARR_API_KEY", encrypted)

	cfg, err := Load(LoadOptions{EncryptionKey: "passphrase"}, FlagOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "real-sonarr-key", cfg.Sonarr.APIKey)

	_, err = Load(LoadOptions{EncryptionKey: "wrong"}, FlagOverrides{})
	problems := validationProblems(t, err)
	assert.NotEmpty(t, problems)
}

func TestLoad_NotificationURLs(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("NOTIFICATION_URLS", " discord://token@id , ,gotify://host/token")

	cfg, err := Load(LoadOptions{}, FlagOverrides{})
	require.NoError(t, err)
	assert.Equal(t, []string{"discord://token@id", "gotify://host/token"}, cfg.NotificationURLs)
}

// =============================================================================
// Flag override tests
// =============================================================================

func TestLoad_FlagsOverrideEnvironment(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DRY_RUN", "false")

	dryRun := true
	level := "DEBUG"
	interval := 2 * time.Minute
	empty := ""

	cfg, err := Load(LoadOptions{}, FlagOverrides{
		DryRun:        &dryRun,
		LogLevel:      &level,
		CheckInterval: &interval,
		DatabasePath:  &empty,
	})
	require.NoError(t, err)

	assert.True(t, cfg.DryRun)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Minute, cfg.CheckInterval)
	assert.Equal(t, "", cfg.DatabasePath, "empty flag values must not override")
}

func TestNewTestConfig_IsValid(t *testing.T) {
	cfg := NewTestConfig()
	assert.Empty(t, cfg.validate())
	assert.Len(t, cfg.Managers(), 2)
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Problems: []string{"a is required", "b must differ"}}
	assert.Equal(t, "invalid configuration: a is required; b must differ", err.Error())
}

func TestLoad_JournalRetention(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load(LoadOptions{}, FlagOverrides{})
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.JournalRetentionDays)

	t.Setenv("JOURNAL_RETENTION_DAYS", "-1")
	_, err = Load(LoadOptions{}, FlagOverrides{})
	require.Error(t, err)
	assert.Contains(t, strings.Join(validationProblems(t, err), "\n"), "JOURNAL_RETENTION_DAYS")
}

func TestLoad_CORSOrigins(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STALLARR_CORS_ORIGIN", " http://dash.local,http://other.local ")

	cfg, err := Load(LoadOptions{}, FlagOverrides{})
	require.NoError(t, err)
	assert.Equal(t, "http://dash.local,http://other.local", cfg.CORSOrigins)
}

// =============================================================================
// LoadCleaner tests
// =============================================================================

func TestLoadCleaner_IgnoresPollerSettings(t *testing.T) {
	for _, key := range []string{"CHECK_INTERVAL", "STALL_CHECKS", "STALL_DAYS", "DOWNLOAD_CLIENT", "EMULERR_HOST", "SONARR_HOST", "DRY_RUN", "HTTP_TIMEOUT"} {
		t.Setenv(key, "")
	}
	t.Setenv("QBITTORRENT_HOST", "http://qbit:8080/")
	t.Setenv("QBITTORRENT_USERNAME", "admin")
	t.Setenv("QBITTORRENT_PASSWORD", "secret")

	dryRun := true
	cfg, err := LoadCleaner(LoadOptions{}, FlagOverrides{DryRun: &dryRun})
	require.NoError(t, err)

	assert.Equal(t, "http://qbit:8080", cfg.QBittorrent.Host)
	assert.Equal(t, "admin", cfg.QBittorrent.Username)
	assert.Equal(t, "secret", cfg.QBittorrent.Password)
	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.ClearCompletedDeleteFiles)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
}

func TestLoadCleaner_RequiresHost(t *testing.T) {
	t.Setenv("QBITTORRENT_HOST", "")
	_, err := LoadCleaner(LoadOptions{}, FlagOverrides{})
	require.Error(t, err)
	assert.Equal(t, []string{"QBITTORRENT_HOST is required"}, validationProblems(t, err))

	t.Setenv("QBITTORRENT_HOST", "qbit:8080")
	_, err = LoadCleaner(LoadOptions{}, FlagOverrides{})
	require.Error(t, err)
	assert.Contains(t, validationProblems(t, err)[0], "must start with http://")
}
