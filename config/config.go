// Package config loads process configuration from, in increasing priority
// order: an optional TOML file, then environment variables (with an optional
// .env file loaded first). No command-line flag overrides these values;
// cmd/xraymgr's flags select only the TOML file path and the pipeline
// schedule.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/xrayfleet/xraymgr/logger"
)

// Config holds every tunable the core components read at startup. Batch
// engine fields mirror the configuration table in spec §4.10; fields above
// that are shared ambient settings (store path, bridge binary, log level).
type Config struct {
	DBPath string `toml:"db_path"`
	Debug  bool   `toml:"debug"`
	LogLevel string `toml:"log_level"`

	SourcesFile string `toml:"sources_file"`
	RawURIsFile string `toml:"raw_uris_file"`

	BridgeBin       string `toml:"bridge_bin"`
	BridgeAssetsDir string `toml:"bridge_assets_dir"`

	XrayBin       string `toml:"xray_bin"`
	XrayAPIServer string `toml:"xray_api_server"`

	ProbeBin string `toml:"probe_bin"`

	Count           int    `toml:"count"`
	Parallel        int    `toml:"parallel"`
	PortStart       int    `toml:"port_start"`
	TagPrefix       string `toml:"tag_prefix"`
	LockTimeoutSec  int    `toml:"lock_timeout_sec"`
	CheckTimeoutSec int    `toml:"check_timeout_sec"`
	SocksUser       string `toml:"socks_user"`
	SocksPass       string `toml:"socks_pass"`
	SocksListen     string `toml:"socks_listen"`
	IdleSleepSec    int    `toml:"idle_sleep_sec"`
	MaxBatches      int    `toml:"max_batches"`
	Continuous      bool   `toml:"continuous"`
	StopFile        string `toml:"stop_file"`
	Owner           string `toml:"owner"`
}

// Default returns the configuration defaults named throughout spec §4.10.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		DBPath:          "data/xraymgr.db",
		LogLevel:        "info",
		SourcesFile:     "data/sources/proxy_sources.txt",
		RawURIsFile:     "data/raw/raw_configs.txt",
		BridgeBin:       "jsbridge",
		XrayBin:         "xray",
		XrayAPIServer:   "127.0.0.1:10085",
		ProbeBin:        "check-host",
		Count:           100,
		Parallel:        10,
		PortStart:       20000,
		TagPrefix:       "in_test_",
		LockTimeoutSec:  90,
		CheckTimeoutSec: 60,
		SocksListen:     "127.0.0.1",
		IdleSleepSec:    2,
		MaxBatches:      0,
		Continuous:      true,
		Owner:           hostname,
	}
}

// Load builds the effective configuration: defaults, overlaid by an optional
// TOML file at tomlPath (ignored if empty or missing), overlaid by
// environment variables (after loading .env, if present).
func Load(tomlPath string) (*Config, error) {
	cfg := Default()

	if tomlPath != "" {
		data, err := os.ReadFile(tomlPath)
		if err == nil {
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded:", err)
	}

	cfg.DBPath = getEnv("XRAYMGR_DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("XRAYMGR_LOG_LEVEL", cfg.LogLevel)
	cfg.Debug = getEnvBool("XRAYMGR_DEBUG", cfg.Debug)
	cfg.SourcesFile = getEnv("XRAYMGR_SOURCES_FILE", cfg.SourcesFile)
	cfg.RawURIsFile = getEnv("XRAYMGR_RAW_URIS_FILE", cfg.RawURIsFile)
	cfg.BridgeBin = getEnv("XRAYMGR_BRIDGE_BIN", cfg.BridgeBin)
	cfg.BridgeAssetsDir = getEnv("XRAYMGR_BRIDGE_ASSETS_DIR", cfg.BridgeAssetsDir)
	cfg.XrayBin = getEnv("XRAYMGR_XRAY_BIN", cfg.XrayBin)
	cfg.XrayAPIServer = getEnv("XRAYMGR_XRAY_API_SERVER", cfg.XrayAPIServer)
	cfg.ProbeBin = getEnv("XRAYMGR_PROBE_BIN", cfg.ProbeBin)
	cfg.Count = getEnvInt("XRAYMGR_COUNT", cfg.Count)
	cfg.Parallel = getEnvInt("XRAYMGR_PARALLEL", cfg.Parallel)
	cfg.PortStart = getEnvInt("XRAYMGR_PORT_START", cfg.PortStart)
	cfg.TagPrefix = getEnv("XRAYMGR_TAG_PREFIX", cfg.TagPrefix)
	cfg.LockTimeoutSec = getEnvInt("XRAYMGR_LOCK_TIMEOUT_SEC", cfg.LockTimeoutSec)
	cfg.CheckTimeoutSec = getEnvInt("XRAYMGR_CHECK_TIMEOUT_SEC", cfg.CheckTimeoutSec)
	cfg.SocksUser = getEnv("XRAYMGR_SOCKS_USER", cfg.SocksUser)
	cfg.SocksPass = getEnv("XRAYMGR_SOCKS_PASS", cfg.SocksPass)
	cfg.SocksListen = getEnv("XRAYMGR_SOCKS_LISTEN", cfg.SocksListen)
	cfg.IdleSleepSec = getEnvInt("XRAYMGR_IDLE_SLEEP_SEC", cfg.IdleSleepSec)
	cfg.MaxBatches = getEnvInt("XRAYMGR_MAX_BATCHES", cfg.MaxBatches)
	cfg.Continuous = getEnvBool("XRAYMGR_CONTINUOUS", cfg.Continuous)
	cfg.StopFile = getEnv("XRAYMGR_STOP_FILE", cfg.StopFile)
	cfg.Owner = getEnv("XRAYMGR_OWNER", cfg.Owner)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		return v == "1" || v == "true" || v == "yes"
	}
	return defaultValue
}
