package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wagate/wagate/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ wagate Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local configuration status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 wagate Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.Path()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found (" + path + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ Unreadable: %v\n", err)
			return
		}
		if cfg.API.Token != "" {
			fmt.Println("API:     ✓ Token configured (" + cfg.API.Addr + ")")
		} else {
			fmt.Println("API:     ⚠ No token, control API is unauthenticated (" + cfg.API.Addr + ")")
		}
		if cfg.Provider.APIKey != "" {
			fmt.Println("Model:   ✓ API key found")
		} else {
			fmt.Println("Model:   ✗ No API key, auto-reply disabled")
		}
		fmt.Printf("Sessions configured: %d\n", len(cfg.Sessions))
	},
}
