// Package service manages the launchd user agent that keeps the bot
// running across logins on macOS.
package service

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/joho/godotenv"

	"github.com/marta/pulse/config"
)

const (
	agentLabel   = "com.pulse.agent"
	installedBin = "/usr/local/bin/pulse"
)

// agent collects every path the launchd integration touches.
type agent struct {
	label   string
	bin     string
	plist   string
	workDir string
	stdout  string
	stderr  string
}

func currentAgent() agent {
	home, _ := os.UserHomeDir()
	return agent{
		label:   agentLabel,
		bin:     installedBin,
		plist:   filepath.Join(home, "Library", "LaunchAgents", agentLabel+".plist"),
		workDir: workingDir(),
		stdout:  filepath.Join(home, "Library", "Logs", "pulse-stdout.log"),
		stderr:  filepath.Join(home, "Library", "Logs", "pulse-stderr.log"),
	}
}

// workingDir picks the directory launchd starts the agent in. A
// relative DATABASE_PATH in the config pins the agent to wherever
// install ran; otherwise ~/.pulse is fine.
func workingDir() string {
	vars, _ := godotenv.Read(config.ConfigFile())
	if dbPath, ok := vars["DATABASE_PATH"]; ok && !filepath.IsAbs(dbPath) {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
	}
	return config.ConfigDir()
}

// Install places the binary, seeds the config, and registers the
// launchd agent so the bot starts on login.
func Install() error {
	a := currentAgent()
	if err := installBinary(a.bin); err != nil {
		return err
	}
	if err := seedConfig(); err != nil {
		return err
	}
	if err := writeAgent(a); err != nil {
		return err
	}
	if err := launchctl("load", a.plist); err != nil {
		return fmt.Errorf("loading plist: %w", err)
	}
	fmt.Println("service loaded and will start on login")
	return nil
}

func installBinary(dest string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("resolving symlinks: %w", err)
	}
	data, err := os.ReadFile(exe)
	if err != nil {
		return fmt.Errorf("reading binary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(dest), err)
	}
	if err := os.WriteFile(dest, data, 0755); err != nil {
		return fmt.Errorf("copying binary to %s: %w", dest, err)
	}
	fmt.Printf("installed binary to %s\n", dest)
	return nil
}

// seedConfig copies a local .env into ~/.pulse/config on first
// install. An existing config is never touched.
func seedConfig() error {
	configFile := config.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		fmt.Printf("config already exists at %s\n", configFile)
		return nil
	}
	envData, err := os.ReadFile(".env")
	if err != nil {
		return nil // nothing to seed from
	}
	if err := os.MkdirAll(config.ConfigDir(), 0700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(configFile, envData, 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Printf("seeded config from .env -> %s\n", configFile)
	return nil
}

func writeAgent(a agent) error {
	plist, err := renderPlist(a)
	if err != nil {
		return fmt.Errorf("generating plist: %w", err)
	}
	// Replace any agent a previous install registered.
	if _, err := os.Stat(a.plist); err == nil {
		_ = launchctl("unload", a.plist)
	}
	if err := os.MkdirAll(filepath.Dir(a.plist), 0755); err != nil {
		return fmt.Errorf("creating LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(a.plist, []byte(plist), 0644); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}
	fmt.Printf("wrote plist to %s\n", a.plist)
	return nil
}

// Uninstall deregisters the agent and removes the installed binary.
// The config and database stay.
func Uninstall() error {
	a := currentAgent()
	if _, err := os.Stat(a.plist); err == nil {
		if err := launchctl("unload", a.plist); err != nil {
			fmt.Fprintf(os.Stderr, "warning: unload failed: %v\n", err)
		}
		if err := os.Remove(a.plist); err != nil {
			return fmt.Errorf("removing plist: %w", err)
		}
		fmt.Printf("removed %s\n", a.plist)
	} else {
		fmt.Println("plist not found, skipping")
	}

	if _, err := os.Stat(a.bin); err == nil {
		if err := os.Remove(a.bin); err != nil {
			return fmt.Errorf("removing binary: %w", err)
		}
		fmt.Printf("removed %s\n", a.bin)
	} else {
		fmt.Println("binary not found in /usr/local/bin, skipping")
	}

	fmt.Println("uninstalled")
	return nil
}

func Start() error { return launchctl("start", agentLabel) }
func Stop() error  { return launchctl("stop", agentLabel) }

func Restart() error {
	_ = Stop()
	return Start()
}

func Status() error {
	cmd := exec.Command("launchctl", "list", agentLabel)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Println("service is not loaded")
	}
	return nil
}

// Logs tails both agent log files until interrupted.
func Logs() error {
	a := currentAgent()
	cmd := exec.Command("tail", "-f", a.stdout, a.stderr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func launchctl(args ...string) error {
	cmd := exec.Command("launchctl", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("launchctl %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String()))
	}
	return nil
}

var plistTemplate = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Bin}}</string>
		<string>run</string>
	</array>
	<key>WorkingDirectory</key>
	<string>{{.WorkDir}}</string>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<true/>
	<key>StandardOutPath</key>
	<string>{{.Stdout}}</string>
	<key>StandardErrorPath</key>
	<string>{{.Stderr}}</string>
</dict>
</plist>
`))

func renderPlist(a agent) (string, error) {
	var buf bytes.Buffer
	err := plistTemplate.Execute(&buf, struct {
		Label, Bin, WorkDir, Stdout, Stderr string
	}{a.label, a.bin, a.workDir, a.stdout, a.stderr})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
