package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"watchsync/internal/log"
	"watchsync/internal/models"
)

const (
	DefaultSleepDuration = time.Hour
	DefaultMaxThreads    = 10
)

// ServerConfig describes one configured media server connection. Either
// BaseURL+Token or Username+Password+ServerName is set, never both.
type ServerConfig struct {
	Type       models.ServerType
	BaseURL    string
	Token      string
	Username   string
	Password   string
	ServerName string
}

type Config struct {
	Servers []ServerConfig

	SSLBypass bool

	BlacklistUsers       []string
	WhitelistUsers       []string
	BlacklistLibrary     []string
	WhitelistLibrary     []string
	BlacklistLibraryType []string
	WhitelistLibraryType []string

	UserMapping    map[string]string
	LibraryMapping map[string]string

	GenerateGUIDs     bool
	GenerateLocations bool

	Dryrun        bool
	RunOnlyOnce   bool
	SyncPlaylists bool
	SleepDuration time.Duration
	SyncCron      string
	MaxThreads    int
	LogLevel      string

	WatchedStatePath  string
	PlaylistStatePath string
}

// Load reads the whole configuration from the environment. Credential length
// mismatches and invalid log levels are fatal; an invalid cron expression
// degrades to the sleep schedule with a warning, matching runtime behavior.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	return fromKoanf(k)
}

func fromKoanf(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		SSLBypass:            k.Bool("ssl_bypass"),
		BlacklistUsers:       splitList(k.String("blacklist_users")),
		WhitelistUsers:       splitList(k.String("whitelist_users")),
		BlacklistLibrary:     splitList(k.String("blacklist_library")),
		WhitelistLibrary:     splitList(k.String("whitelist_library")),
		BlacklistLibraryType: splitList(k.String("blacklist_library_type")),
		WhitelistLibraryType: splitList(k.String("whitelist_library_type")),
		GenerateGUIDs:        boolOr(k, "generate_guids", true),
		GenerateLocations:    boolOr(k, "generate_locations", true),
		Dryrun:               k.Bool("dryrun"),
		RunOnlyOnce:          k.Bool("run_only_once"),
		SyncPlaylists:        boolOr(k, "sync_playlists", true),
		SleepDuration:        DefaultSleepDuration,
		SyncCron:             strings.TrimSpace(k.String("sync_cron")),
		MaxThreads:           DefaultMaxThreads,
		LogLevel:             strings.ToUpper(strings.TrimSpace(firstNonEmpty(k.String("debug_level"), "INFO"))),
	}

	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	if v := k.Float64("sleep_duration"); v > 0 {
		cfg.SleepDuration = time.Duration(v * float64(time.Second))
	}
	if v := k.Int("max_threads"); v > 0 {
		cfg.MaxThreads = v
	}

	if cfg.SyncCron != "" {
		if _, err := cron.ParseStandard(cfg.SyncCron); err != nil {
			logger := log.WithComponent("config")
			logger.Warn().Err(err).Str("cron", cfg.SyncCron).
				Msg("invalid SYNC_CRON expression, falling back to SLEEP_DURATION")
			cfg.SyncCron = ""
		}
	}

	var err error
	if cfg.UserMapping, err = parseMapping(k.String("user_mapping"), true); err != nil {
		return nil, fmt.Errorf("parsing USER_MAPPING: %w", err)
	}
	if cfg.LibraryMapping, err = parseMapping(k.String("library_mapping"), false); err != nil {
		return nil, fmt.Errorf("parsing LIBRARY_MAPPING: %w", err)
	}

	// Mapping-aware expansion: a name on either side of a mapping pair implies
	// its counterpart in the same allow/deny list.
	cfg.BlacklistUsers = expandWithMapping(cfg.BlacklistUsers, cfg.UserMapping)
	cfg.WhitelistUsers = expandWithMapping(cfg.WhitelistUsers, cfg.UserMapping)
	cfg.BlacklistLibrary = expandWithMapping(cfg.BlacklistLibrary, cfg.LibraryMapping)
	cfg.WhitelistLibrary = expandWithMapping(cfg.WhitelistLibrary, cfg.LibraryMapping)

	if cfg.Servers, err = parseServers(k); err != nil {
		return nil, err
	}

	configDir := k.String("config_dir")
	if configDir == "" {
		configDir = "."
	}
	cfg.WatchedStatePath = resolvePath(configDir, k.String("watched_state_file"), "watched_state.json")
	cfg.PlaylistStatePath = resolvePath(configDir, k.String("playlist_state_file"), "playlist_state.json")

	return cfg, nil
}

func parseServers(k *koanf.Koanf) ([]ServerConfig, error) {
	var servers []ServerConfig

	endpointVars := []struct {
		typ      models.ServerType
		urlVar   string
		tokenVar string
	}{
		{models.ServerTypePlex, "plex_baseurl", "plex_token"},
		{models.ServerTypeJellyfin, "jellyfin_baseurl", "jellyfin_token"},
		{models.ServerTypeEmby, "emby_baseurl", "emby_token"},
	}

	for _, ev := range endpointVars {
		urls := splitList(k.String(ev.urlVar))
		tokens := splitList(k.String(ev.tokenVar))
		if len(urls) == 0 && len(tokens) == 0 {
			continue
		}
		if len(urls) != len(tokens) {
			return nil, fmt.Errorf("%s and %s must have the same number of entries",
				strings.ToUpper(ev.urlVar), strings.ToUpper(ev.tokenVar))
		}
		for i := range urls {
			servers = append(servers, ServerConfig{Type: ev.typ, BaseURL: urls[i], Token: tokens[i]})
		}
	}

	// Plex account credentials are only consulted when no endpoint produced a
	// Plex connection, matching the original precedence.
	hasPlex := false
	for _, s := range servers {
		if s.Type == models.ServerTypePlex {
			hasPlex = true
		}
	}
	usernames := splitList(k.String("plex_username"))
	passwords := splitList(k.String("plex_password"))
	serverNames := splitList(k.String("plex_servername"))
	if !hasPlex && len(usernames) > 0 {
		if len(usernames) != len(passwords) || len(usernames) != len(serverNames) {
			return nil, fmt.Errorf("PLEX_USERNAME, PLEX_PASSWORD and PLEX_SERVERNAME must have the same number of entries")
		}
		for i := range usernames {
			servers = append(servers, ServerConfig{
				Type:       models.ServerTypePlex,
				Username:   usernames[i],
				Password:   passwords[i],
				ServerName: serverNames[i],
			})
		}
	}

	return servers, nil
}

func parseMapping(raw string, lowercase bool) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if lowercase {
		raw = strings.ToLower(raw)
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func expandWithMapping(list []string, mapping map[string]string) []string {
	if len(list) == 0 || len(mapping) == 0 {
		return list
	}
	seen := make(map[string]struct{}, len(list))
	for _, v := range list {
		seen[strings.ToLower(v)] = struct{}{}
	}
	out := list
	for _, v := range list {
		if mapped := models.MapName(mapping, v); mapped != "" {
			if _, ok := seen[strings.ToLower(mapped)]; !ok {
				seen[strings.ToLower(mapped)] = struct{}{}
				out = append(out, mapped)
			}
		}
	}
	return out
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func boolOr(k *koanf.Koanf, key string, fallback bool) bool {
	// An unset or blank variable keeps the default; koanf reports blank env
	// vars as existing.
	if strings.TrimSpace(k.String(key)) == "" {
		return fallback
	}
	return k.Bool(key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func resolvePath(configDir, configured, fallback string) string {
	if configured == "" {
		return filepath.Join(configDir, fallback)
	}
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(configDir, configured)
}
