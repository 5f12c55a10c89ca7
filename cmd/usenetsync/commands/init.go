package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/usenetsync/usenetsync/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample UsenetSync configuration file and the per-installation
key salt.

By default, the configuration file is created at $XDG_CONFIG_HOME/usenetsync/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  usenetsync init

  # Initialize with custom path
  usenetsync init --config /etc/usenetsync/config.yaml

  # Force overwrite existing config
  usenetsync init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()
	if err := config.SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	if _, err := ensureInstallSalt(cfg.Security.SaltPath); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file and set your NNTP provider under relay:")
	fmt.Println("  2. Publish a folder with: usenetsync publish <folder>")
	fmt.Printf("  3. Or specify custom config: usenetsync publish --config %s <folder>\n", configPath)
	fmt.Println("\nSecurity note:")
	fmt.Println("  Folder keys are encrypted with a key derived from your passphrase.")
	fmt.Println("  Prefer the environment variable over storing it in the config file:")
	fmt.Println("    export USENETSYNC_SECURITY_PASSPHRASE=...")

	return nil
}
