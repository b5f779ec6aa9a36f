package commands

import (
	"fmt"
	"os"

	"github.com/MEKXH/weatherhitl/internal/config"
	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()
	if err := os.MkdirAll(cfg.Store.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", cfg.Store.StateDir, err)
	}
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("weatherhitl initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("State: %s\n", cfg.Store.StateDir)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Add a provider API key to %s\n", configPath)
	fmt.Printf("2. Run 'weatherhitl chat' or 'weatherhitl serve'\n")

	return nil
}
