// Package app wires the registry together and runs the server.
package app

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultDataDir returns the default data directory path.
// Uses ~/.dockyard for user installations, /var/lib/dockyard as fallback.
func DefaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".dockyard")
	}
	return "/var/lib/dockyard"
}

// ConfigureViper sets up viper with standard config file search paths.
// Config file: dockyard.toml
// Search paths (in order): /etc/dockyard, ~/.config/dockyard, current directory
func ConfigureViper(v *viper.Viper, configPath string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigName("dockyard")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/dockyard")
	v.AddConfigPath("$HOME/.config/dockyard")
	v.AddConfigPath(".")
}
