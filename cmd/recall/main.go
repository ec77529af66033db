package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/quillmind/recall/internal/config"
	"github.com/quillmind/recall/internal/gateway"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "recall - personal assistant with long-term memory",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the full gateway (channels + scheduled jobs)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recall status",
	RunE:  runStatus,
}

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation pass and exit",
	RunE:  runConsolidate,
}

func init() {
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, consolidateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'recall onboard' or set RECALL_API_KEY / OPENAI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Memory.VectorPath, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and telegram token\n", cfgPath)
	fmt.Println("  2. Or set RECALL_API_KEY and RECALL_TELEGRAM_TOKEN environment variables")
	fmt.Println("  3. Run 'recall gateway' to start")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	fmt.Printf("Embedding: %s (%s)\n", cfg.Embedding.Model, cfg.Embedding.Provider)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Printf("DB: %s\n", cfg.Memory.DBPath)
	fmt.Printf("Vectors: %s\n", cfg.Memory.VectorPath)
	fmt.Printf("Consolidation: daily at %s\n", cfg.Memory.ConsolidateAt)

	return nil
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'recall onboard' or set RECALL_API_KEY / OPENAI_API_KEY")
	}

	// Channels stay disabled for a one-shot pass.
	cfg.Channels.Telegram.Enabled = false

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer func() { _ = gw.Shutdown() }()

	if err := gw.Consolidate(context.Background()); err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	fmt.Println("Consolidation complete.")
	return nil
}
