package main

import (
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// defaultUserDataDir returns <home>/.termmgr, the directory spec.md §6
// "Persistence" calls <userData>: it holds sessions.json and
// tunnel-instance-id.
func defaultUserDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".termmgr"), nil
}

// defaultConfigPath returns <home>/.config/termmgr/config.yaml, the optional
// tunables file lib/config.Load overlays onto its defaults.
func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".config", "termmgr", "config.yaml"), nil
}

// defaultClaudeDir and defaultCopilotDir locate the two CLI assistants' own
// config roots the auto-discovery watcher polls (spec.md §4.6).
func defaultClaudeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".claude"), nil
}

func defaultCopilotDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.Wrap(err, "resolving home directory")
	}
	return filepath.Join(home, ".copilot"), nil
}
