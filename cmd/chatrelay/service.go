package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
)

const serviceName = "chatrelay"

// TimeoutStopSec leaves room for the gateway's 30s stream drain
const serviceTemplate = `[Unit]
Description=chatrelay streaming chat gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%s
ExecStart=%s serve --config %s
Restart=on-failure
RestartSec=5s
TimeoutStopSec=40s
LimitNOFILE=65536
Environment=HOME=%s

[Install]
WantedBy=default.target
`

// serviceUnit holds the values rendered into the systemd unit
type serviceUnit struct {
	Username   string
	ExecPath   string
	ConfigPath string
	HomeDir    string
}

// generateServiceFile renders the systemd unit
func generateServiceFile(u serviceUnit) string {
	return fmt.Sprintf(serviceTemplate, u.Username, u.ExecPath, u.ConfigPath, u.HomeDir)
}

func systemServicePath() string {
	return "/etc/systemd/system/" + serviceName + ".service"
}

func userServicePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "systemd", "user", serviceName+".service")
}

// isSystemInstall checks if --system or -s flag is present
func isSystemInstall(args []string) bool {
	for _, arg := range args {
		if arg == "--system" || arg == "-s" {
			return true
		}
	}
	return false
}

func getServicePath(system bool) string {
	if system {
		return systemServicePath()
	}
	return userServicePath()
}

// systemctl builds a systemctl invocation for the user or system manager
func systemctl(system bool, args ...string) *exec.Cmd {
	if !system {
		args = append([]string{"--user"}, args...)
	}
	return exec.Command("systemctl", args...)
}

// cmdService handles the service subcommand
func cmdService() {
	if len(os.Args) < 3 {
		printServiceUsage()
		os.Exit(1)
	}

	args := []string{}
	if len(os.Args) > 3 {
		args = os.Args[3:]
	}
	system := isSystemInstall(args)

	switch os.Args[2] {
	case "install":
		cmdServiceInstall(system)
	case "uninstall":
		cmdServiceUninstall(system)
	case "enable", "disable":
		runSystemctl(system, os.Args[2], serviceName)
	case "status":
		// systemctl status exits non-zero for stopped units
		cmd := systemctl(system, "status", serviceName)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Run()
	case "help", "-h", "--help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown service command: %s\n", os.Args[2])
		printServiceUsage()
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Println(`Usage: chatrelay service <command> [flags]

Commands:
  install     Install systemd service file
  uninstall   Remove systemd service file
  enable      Enable service to start on boot
  disable     Disable service autostart
  status      Show service status

Flags:
  --system, -s   System-wide service (requires root)
                 Default: user service (~/.config/systemd/user/)`)
}

func runSystemctl(system bool, args ...string) {
	cmd := systemctl(system, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if system {
			fmt.Fprintln(os.Stderr, "Tip: Run with sudo for system service")
		}
		os.Exit(1)
	}
}

func cmdServiceInstall(system bool) {
	servicePath := getServicePath(system)

	currentUser, err := user.Current()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to get current user: %v\n", err)
		os.Exit(1)
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	execPath, _ := filepath.Abs(exe)
	configAbs, _ := filepath.Abs(configPath(os.Args[3:]))

	content := generateServiceFile(serviceUnit{
		Username:   currentUser.Username,
		ExecPath:   execPath,
		ConfigPath: configAbs,
		HomeDir:    currentUser.HomeDir,
	})

	dir := filepath.Dir(servicePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create directory %s: %v\n", dir, err)
		os.Exit(1)
	}

	if err := os.WriteFile(servicePath, []byte(content), 0644); err != nil {
		if os.IsPermission(err) && system {
			fmt.Fprintln(os.Stderr, "Error: permission denied. Run with sudo for system service.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: failed to write service file: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("✅ Service file installed: %s\n", servicePath)
	systemctl(system, "daemon-reload").Run()

	prefix := "systemctl --user"
	if system {
		prefix = "sudo systemctl"
	}
	fmt.Println("\nTo enable and start:")
	fmt.Printf("  %s enable %s\n", prefix, serviceName)
	fmt.Printf("  %s start %s\n", prefix, serviceName)
}

func cmdServiceUninstall(system bool) {
	servicePath := getServicePath(system)

	if _, err := os.Stat(servicePath); os.IsNotExist(err) {
		fmt.Println("⚠️ Service file not found (not installed?)")
		return
	}

	systemctl(system, "stop", serviceName).Run()
	systemctl(system, "disable", serviceName).Run()

	if err := os.Remove(servicePath); err != nil {
		if os.IsPermission(err) && system {
			fmt.Fprintln(os.Stderr, "Error: permission denied. Run with sudo for system service.")
		} else {
			fmt.Fprintf(os.Stderr, "Error: failed to remove service file: %v\n", err)
		}
		os.Exit(1)
	}

	systemctl(system, "daemon-reload").Run()
	fmt.Println("✅ Service uninstalled")
}
