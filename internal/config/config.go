// Package config binds the agent's four required startup flags,
// falling back to HARVEST_* environment variables, via viper.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the agent's fully-resolved startup configuration. Every
// field is required; Load fails loudly rather than leaving one empty.
type Config struct {
	Namespace string
	DockerDir string
	APIServer string
	Host      string
}

// BindFlags registers the agent's required flags on cmd and wires their
// HARVEST_* environment fallbacks through viper. Call once per cobra
// command that needs them.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()
	flags.String("namespace", "", "kubernetes namespace this agent harvests for")
	flags.String("docker-dir", "", "root directory the container runtime writes logs and metadata under")
	flags.String("api-server", "", "control-plane SSE endpoint to stream run/stop directives from")
	flags.String("host", "", "this node's name, matched against control-plane pod.node fields")

	v.SetEnvPrefix("harvest")
	v.AutomaticEnv()

	_ = v.BindPFlag("namespace", flags.Lookup("namespace"))
	_ = v.BindPFlag("docker_dir", flags.Lookup("docker-dir"))
	_ = v.BindPFlag("api_server", flags.Lookup("api-server"))
	_ = v.BindPFlag("host", flags.Lookup("host"))
}

// Load validates that every required setting is present and returns a
// Config, or a descriptive error. Configuration errors are fatal at
// startup only; Load is never called again once the agent is running.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Namespace: v.GetString("namespace"),
		DockerDir: v.GetString("docker_dir"),
		APIServer: v.GetString("api_server"),
		Host:      v.GetString("host"),
	}

	var missing []string
	if cfg.Namespace == "" {
		missing = append(missing, "--namespace (HARVEST_NAMESPACE)")
	}
	if cfg.DockerDir == "" {
		missing = append(missing, "--docker-dir (HARVEST_DOCKER_DIR)")
	}
	if cfg.APIServer == "" {
		missing = append(missing, "--api-server (HARVEST_API_SERVER)")
	}
	if cfg.Host == "" {
		missing = append(missing, "--host (HARVEST_HOST)")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required settings: %v", missing)
	}

	return cfg, nil
}
