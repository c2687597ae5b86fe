package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/wagate/wagate/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		" __      ____ _  __ _  __ _| |_ ___\n" +
		" \\ \\ /\\ / / _` |/ _` |/ _` | __/ _ \\\n" +
		"  \\ V  V / (_| | (_| | (_| | ||  __/\n" +
		"   \\_/\\_/ \\__,_|\\__, |\\__,_|\\__\\___|\n" +
		"                |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "wagate",
	Short: "wagate - multi-tenant messaging gateway",
	Long:  color.CyanString(logo) + "\nA multi-tenant gateway for messaging-network sessions.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(gatewayCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
