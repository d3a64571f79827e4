package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/FeelPulse/chatrelay/internal/config"
	"github.com/FeelPulse/chatrelay/internal/ratelimit"
)

// commit can be pinned with -ldflags "-X main.commit=..."; otherwise the
// VCS stamp of the build is used
var commit = ""

// VersionInfo describes the binary and, when a config is readable, how it
// would relay
type VersionInfo struct {
	Version  string
	Go       string
	Platform string
	Commit   string
	Routing  string
	Features []string
}

// GetVersionInfo collects build data. cfg may be nil.
func GetVersionInfo(cfg *config.Config) *VersionInfo {
	v := &VersionInfo{
		Version:  version,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
		Commit:   buildCommit(),
	}
	if cfg != nil {
		v.Routing = describeRouting(cfg)
		v.Features = detectEnabledFeatures(cfg)
	}
	return v
}

func buildCommit() string {
	if commit != "" {
		return commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	rev, dirty := "", false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "unknown"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "+dirty"
	}
	return rev
}

// describeRouting summarizes which models and upstreams a turn can reach
func describeRouting(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.FallbackUpstreams)+1)
	for _, u := range cfg.Upstreams() {
		names = append(names, u.Name)
	}
	return fmt.Sprintf("general=%s fallback=%s selectable=%d upstreams=%s",
		cfg.Models.General, cfg.Models.Fallback, len(cfg.Models.Available), strings.Join(names, "→"))
}

// detectEnabledFeatures lists the optional parts cfg turns on
func detectEnabledFeatures(cfg *config.Config) []string {
	features := []string{fmt.Sprintf("guests(%d/day)", ratelimit.ClampLimit(cfg.Guest.DailyLimit))}
	if n := len(cfg.FallbackUpstreams); n > 0 {
		features = append(features, fmt.Sprintf("failover(%d)", n))
	}
	if cfg.Media.BaseURL != "" {
		features = append(features, "signed-media")
	}
	if n := len(cfg.Models.Expert); n > 0 {
		features = append(features, fmt.Sprintf("expert(%d)", n))
	}
	if cfg.Metrics.Enabled {
		features = append(features, "metrics")
	}
	return features
}

func (v *VersionInfo) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "chatrelay %s (%s, %s, %s)\n", v.Version, v.Commit, v.Go, v.Platform)
	if v.Routing == "" {
		sb.WriteString("  no readable config\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "  routing:  %s\n", v.Routing)
	fmt.Fprintf(&sb, "  features: %s\n", strings.Join(v.Features, " "))
	return sb.String()
}

func cmdVersion(args []string) {
	var cfg *config.Config
	if c, err := config.LoadFrom(configPath(args)); err == nil {
		cfg = c
	}
	fmt.Print(GetVersionInfo(cfg).String())
}
