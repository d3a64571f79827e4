package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/FeelPulse/chatrelay/internal/config"
	"github.com/tidwall/gjson"
)

const (
	// drainTimeout covers the gateway's own 30s stream drain plus store close
	drainTimeout = 35 * time.Second
	startTimeout = 10 * time.Second
	pollInterval = 500 * time.Millisecond
)

// daemon is a background "serve" process for one config file. The pid and
// log files sit next to the config so several relays can share a host.
type daemon struct {
	configPath string
	pidPath    string
	logPath    string
}

func newDaemon(configPath string) *daemon {
	dir := filepath.Dir(configPath)
	return &daemon{
		configPath: configPath,
		pidPath:    filepath.Join(dir, "gateway.pid"),
		logPath:    filepath.Join(dir, "gateway.log"),
	}
}

// running returns the recorded pid and whether that process is alive
func (d *daemon) running() (int, bool) {
	data, err := os.ReadFile(d.pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// spawn starts "serve" detached from the terminal with output in the log file
func (d *daemon) spawn() (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	logF, err := os.OpenFile(d.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	defer logF.Close()

	cmd := exec.Command(exe, "serve", "--config", d.configPath)
	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid
	if err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return pid, err
	}
	return pid, cmd.Process.Release()
}

// health is what the gateway reports on /health
type health struct {
	Status        string
	Uptime        string
	ActiveStreams int64
}

// gatewayURL is where a local client reaches the configured listener
func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

// probeHealth asks a running gateway for its state. A 503 while shutting down
// still carries a body and is not an error.
func probeHealth(ctx context.Context, baseURL string) (health, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return health{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return health{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return health{}, err
	}
	if !gjson.ValidBytes(body) {
		return health{}, fmt.Errorf("unexpected /health answer (%d)", resp.StatusCode)
	}
	res := gjson.ParseBytes(body)
	return health{
		Status:        res.Get("status").String(),
		Uptime:        res.Get("uptime").String(),
		ActiveStreams: res.Get("activeStreams").Int(),
	}, nil
}

// waitHealthy polls until the gateway answers "ok", the process dies or
// timeout passes
func waitHealthy(baseURL string, pid int, timeout time.Duration) (health, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if pid > 0 && !alive(pid) {
			return health{}, fmt.Errorf("process %d exited", pid)
		}
		h, err := probeHealth(context.Background(), baseURL)
		if err == nil && h.Status == "ok" {
			return h, nil
		}
		lastErr = err
		time.Sleep(pollInterval)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("not healthy after %s", timeout)
	}
	return health{}, lastErr
}

func cmdGateway(args []string) {
	if len(args) == 0 {
		fmt.Println("Usage: chatrelay gw <start|stop|restart|status|logs> [--config PATH]")
		os.Exit(1)
	}
	d := newDaemon(configPath(args[1:]))

	switch args[0] {
	case "start":
		d.start()
	case "stop":
		d.stop()
	case "restart":
		fmt.Println("🔄 Restarting gateway...")
		d.stop()
		d.start()
	case "status":
		d.status()
	case "logs":
		d.logs()
	default:
		fmt.Fprintf(os.Stderr, "Unknown gw command: %s\n", args[0])
		os.Exit(1)
	}
}

func (d *daemon) start() {
	if pid, ok := d.running(); ok {
		fmt.Printf("⚠️  Gateway is already running (PID: %d)\n", pid)
		os.Exit(1)
	}
	cfg, err := loadConfig(d.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Error loading config: %v\n", err)
		os.Exit(1)
	}

	pid, err := d.spawn()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to start gateway: %v\n", err)
		os.Exit(1)
	}

	url := gatewayURL(cfg)
	fmt.Printf("🚀 Started PID %d, waiting for %s/health...\n", pid, url)
	if _, err := waitHealthy(url, pid, startTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Gateway did not become healthy: %v\n", err)
		fmt.Fprintf(os.Stderr, "   Log: %s\n", d.logPath)
		os.Exit(1)
	}
	fmt.Printf("✅ Relaying on %s (general=%s, fallback=%s)\n", url, cfg.Models.General, cfg.Models.Fallback)
}

func (d *daemon) stop() {
	pid, ok := d.running()
	if !ok {
		os.Remove(d.pidPath)
		fmt.Println("Gateway is not running")
		return
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to signal PID %d: %v\n", pid, err)
		os.Exit(1)
	}

	// The gateway keeps answering /health while it drains open streams
	url := ""
	if cfg, err := config.LoadFrom(d.configPath); err == nil {
		url = gatewayURL(cfg)
	}
	reported := int64(-1)
	deadline := time.Now().Add(drainTimeout)
	for alive(pid) && time.Now().Before(deadline) {
		if url != "" {
			if h, err := probeHealth(context.Background(), url); err == nil && h.ActiveStreams != reported {
				reported = h.ActiveStreams
				fmt.Printf("⏳ Draining %d active stream(s)...\n", reported)
			}
		}
		time.Sleep(pollInterval)
	}

	if alive(pid) {
		fmt.Printf("⚠️  Streams still open after %s, killing PID %d\n", drainTimeout, pid)
		syscall.Kill(pid, syscall.SIGKILL)
	}
	os.Remove(d.pidPath)
	fmt.Printf("✅ Gateway stopped (was PID %d)\n", pid)
}

func (d *daemon) status() {
	pid, ok := d.running()
	if !ok {
		fmt.Println("❌ Gateway is not running")
		return
	}
	fmt.Printf("✅ Gateway process %d\n", pid)

	cfg, err := config.LoadFrom(d.configPath)
	if err != nil {
		fmt.Printf("⚠️  Cannot read %s: %v\n", d.configPath, err)
		return
	}
	url := gatewayURL(cfg)
	h, err := probeHealth(context.Background(), url)
	if err != nil {
		fmt.Printf("⚠️  %s/health unreachable: %v\n", url, err)
		return
	}
	fmt.Printf("📡 %s  status=%s uptime=%s activeStreams=%d\n", url, h.Status, h.Uptime, h.ActiveStreams)
	fmt.Printf("🤖 %s\n", describeRouting(cfg))
}

func (d *daemon) logs() {
	if _, err := os.Stat(d.logPath); err != nil {
		fmt.Printf("📭 No logs yet (%s)\n", d.logPath)
		return
	}
	cmd := exec.Command("tail", "-n", "50", "-f", d.logPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Run()
}
