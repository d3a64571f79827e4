package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/FeelPulse/chatrelay/internal/auth"
	"github.com/FeelPulse/chatrelay/internal/config"
	"github.com/FeelPulse/chatrelay/internal/gateway"
	"github.com/FeelPulse/chatrelay/internal/logger"
	"github.com/FeelPulse/chatrelay/internal/watcher"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		cmdInit()
	case "serve":
		cmdServe(os.Args[2:])
	case "check":
		cmdCheck(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "gw":
		cmdGateway(os.Args[2:])
	case "service":
		cmdService()
	case "version", "-v", "--version":
		cmdVersion(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`chatrelay - Streaming chat relay with quota-gated upstreams

Usage:
  chatrelay <command> [flags]

Commands:
  init           Write a default config to ~/.chatrelay/config.yaml
  serve          Run the gateway in the foreground
  check          Validate the config
  token          Issue a session token: token <user-id> [tier] [--plan-days N] [--hours N]
  gw             Background gateway
    start        Spawn 'serve' and wait for /health
    stop         SIGTERM, report the stream drain, SIGKILL after 35s
    restart      stop then start
    status       Process, /health and model routing
    logs         Follow the gateway log
  service        Manage the systemd unit (see 'chatrelay service help')
  version        Print build and routing info
  help           Show this help

Flags:
  --config PATH  Config file (default: $CHATRELAY_CONFIG or ~/.chatrelay/config.yaml)`)
}

// configPath returns the --config value from args, or the default location
func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	return config.Path()
}

// loadConfig reads, validates and reports on the config at path
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFrom(path)
	if err != nil {
		return nil, err
	}

	result := cfg.Validate()
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "⚠️  %s\n", w)
	}
	if !result.IsValid() {
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "❌ %s\n", e)
		}
		return nil, fmt.Errorf("config has %d error(s)", len(result.Errors))
	}
	return cfg, nil
}

func cmdInit() {
	fmt.Printf("🫀 chatrelay v%s - Init\n\n", version)

	path := config.Path()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("⚠️  Config already exists: %s\n", path)
		fmt.Print("Overwrite with defaults? [y/N]: ")
		reader := bufio.NewReader(os.Stdin)
		input, _ := reader.ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(input)), "y") {
			fmt.Println("Init cancelled.")
			os.Exit(0)
		}
	}

	cfg := config.Default()
	path, err := config.Save(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Config saved: %s\n\n", path)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Set the upstream key:   export %s=...\n", config.EnvUpstreamAPIKey)
	fmt.Printf("  2. Set the session secret: export %s=...\n", config.EnvJWTSecret)
	fmt.Println("  3. Start the gateway:      chatrelay serve")
}

func cmdServe(args []string) {
	path := configPath(args)
	cfg, err := loadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error loading config: %v\n", err)
		fmt.Println("Run 'chatrelay init' to create a config file.")
		os.Exit(1)
	}

	setupLogging(cfg)

	gw, err := gateway.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	gw.WatchConfig(path, watcher.DefaultPollInterval)
	if err := gw.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	logger.SetDefaultLogger(logger.New(&logger.Config{Level: cfg.Log.Level}))
}

func cmdCheck(args []string) {
	path := configPath(args)
	if _, err := loadConfig(path); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("✅ %s is valid\n", path)
}

// tokenArgs is the parsed form of the token command line
type tokenArgs struct {
	userID   string
	tier     string
	planDays int
	lifetime time.Duration
	config   string
}

func parseTokenArgs(args []string) (tokenArgs, error) {
	ta := tokenArgs{tier: auth.TierFree, lifetime: auth.DefaultTokenLifetime}
	var positional []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--plan-days", "--hours", "--config":
			if i+1 >= len(args) {
				return ta, fmt.Errorf("%s needs a value", args[i])
			}
			flag, value := args[i], args[i+1]
			i++
			if flag == "--config" {
				ta.config = value
				continue
			}
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return ta, fmt.Errorf("%s: invalid number %q", flag, value)
			}
			if flag == "--plan-days" {
				ta.planDays = n
			} else {
				ta.lifetime = time.Duration(n) * time.Hour
			}
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) == 0 || positional[0] == "" {
		return ta, fmt.Errorf("user id required")
	}
	ta.userID = positional[0]
	if len(positional) > 1 {
		ta.tier = positional[1]
	}
	return ta, nil
}

func cmdToken(args []string) {
	ta, err := parseTokenArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		fmt.Println("Usage: chatrelay token <user-id> [tier] [--plan-days N] [--hours N]")
		os.Exit(1)
	}

	path := ta.config
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		cfg = config.Default()
		cfg.ApplyEnv()
	}

	var planExpiry time.Time
	if ta.planDays > 0 {
		planExpiry = time.Now().AddDate(0, 0, ta.planDays)
	}

	token, err := auth.IssueToken(cfg.Auth.JWTSecret, ta.userID, ta.tier, planExpiry, ta.lifetime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v (set auth.jwtSecret or %s)\n", err, config.EnvJWTSecret)
		os.Exit(1)
	}
	fmt.Println(token)
}
