package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Settings are the process-environment inputs. Threshold values live in the
// hot-reloadable files; the environment only selects components, paths, and
// venues.
type Settings struct {
	ConfigPaths          []string
	ReloadInterval       time.Duration
	LiquidationExchanges []string
	HyperliquidSymbols   []string
	LogLevel             zerolog.Level
	Enabled              map[string]bool
}

// configPathVars are the recognized CONFIG_*_PATH variables.
var configPathVars = []string{
	"CONFIG_LIQUIDATION_PATH",
	"CONFIG_OI_PATH",
	"CONFIG_VOLUME_PATH",
	"CONFIG_DISCOVERY_PATH",
}

// FromEnv reads the recognized environment variables. Unset variables get
// the documented defaults.
func FromEnv() Settings {
	s := Settings{
		ReloadInterval: 300 * time.Second,
		LogLevel:       zerolog.InfoLevel,
		Enabled:        map[string]bool{},
	}

	for _, name := range configPathVars {
		if v := os.Getenv(name); v != "" {
			s.ConfigPaths = append(s.ConfigPaths, v)
		}
	}
	if v := os.Getenv("CONFIG_RELOAD_INTERVAL_S"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			s.ReloadInterval = time.Duration(secs) * time.Second
		}
	}
	s.LiquidationExchanges = splitList(os.Getenv("LIQUIDATION_EXCHANGES"))
	s.HyperliquidSymbols = splitList(os.Getenv("HYPERLIQUID_SYMBOLS"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			s.LogLevel = lvl
		}
	}

	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "ENABLE_") {
			continue
		}
		component := strings.ToLower(strings.TrimPrefix(name, "ENABLE_"))
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			enabled = strings.EqualFold(value, "on") || value == "1"
		}
		s.Enabled[component] = enabled
	}
	return s
}

// ComponentEnabled reports a feature flag; components default to on.
func (s Settings) ComponentEnabled(name string) bool {
	v, ok := s.Enabled[strings.ToLower(name)]
	if !ok {
		return true
	}
	return v
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
