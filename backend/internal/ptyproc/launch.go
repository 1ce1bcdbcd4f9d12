package ptyproc

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
)

// Mode selects how a session's process is launched.
type Mode string

const (
	// ModeShell starts the requested command, defaulting to the user's
	// shell, as an interactive login shell.
	ModeShell Mode = "shell"
	// ModeEmbedded reattaches to the embedded sub-application, run
	// headless under the pty.
	ModeEmbedded Mode = "embedded"
)

// ParseMode maps a wire value to a Mode. Unknown values select ModeShell.
func ParseMode(s string) Mode {
	if Mode(s) == ModeEmbedded {
		return ModeEmbedded
	}
	return ModeShell
}

// LaunchRequest is the caller-supplied part of a launch.
type LaunchRequest struct {
	Mode    Mode
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
}

// EmbeddedApp is the fixed sub-application used by ModeEmbedded.
type EmbeddedApp struct {
	Command string
	Args    []string
	Cwd     string
	Port    int
	Env     map[string]string
}

// LaunchDefaults are the host-side settings a LaunchRequest is resolved
// against.
type LaunchDefaults struct {
	Shell      string
	Cwd        string
	LoginShell bool
	Env        map[string]string
	Embedded   EmbeddedApp
}

var knownShells = map[string]bool{
	"bash": true,
	"zsh":  true,
	"sh":   true,
	"fish": true,
	"ksh":  true,
	"dash": true,
	"tcsh": true,
}

// ResolveLaunch turns a request into concrete spawn options. It does not
// touch the filesystem beyond reading $SHELL and the home directory.
func ResolveLaunch(req LaunchRequest, d LaunchDefaults) Options {
	env := make(map[string]string, len(d.Env)+len(req.Env))
	maps.Copy(env, d.Env)
	maps.Copy(env, req.Env)

	if req.Mode == ModeEmbedded {
		maps.Copy(env, embeddedEnv(d.Embedded))
		return Options{
			Command: d.Embedded.Command,
			Args:    slices.Clone(d.Embedded.Args),
			Cwd:     firstNonEmpty(d.Embedded.Cwd, d.Cwd, homeDir()),
			Env:     env,
		}
	}

	command := firstNonEmpty(req.Command, d.Shell, os.Getenv("SHELL"), "/bin/sh")
	args := slices.Clone(req.Args)
	if d.LoginShell && IsShell(command) && !hasLoginFlag(args) {
		args = append(args, "-l")
	}

	return Options{
		Command: command,
		Args:    args,
		Cwd:     firstNonEmpty(req.Cwd, d.Cwd, homeDir()),
		Env:     env,
	}
}

// embeddedEnv returns the variables forced onto the embedded application:
// no alternate screen, colour output and the sibling endpoint.
func embeddedEnv(app EmbeddedApp) map[string]string {
	env := map[string]string{
		"TERMHUB_NO_ALT_SCREEN": "1",
		"FORCE_COLOR":           "1",
	}
	if app.Port > 0 {
		env["TERMHUB_SERVER_URL"] = "http://127.0.0.1:" + strconv.Itoa(app.Port)
	}
	maps.Copy(env, app.Env)
	return env
}

// IsShell reports whether command names a known interactive shell.
func IsShell(command string) bool {
	return knownShells[filepath.Base(command)]
}

func hasLoginFlag(args []string) bool {
	return slices.Contains(args, "-l") || slices.Contains(args, "--login")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return home
}
