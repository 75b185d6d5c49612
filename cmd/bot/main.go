package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maddness/vkusvill-mcp-bot/cmd/bot/config"
)

var (
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "bot",
	Short: "VkusVill grocery shopping assistant",
	Long: "Conversational assistant that searches the VkusVill catalog,\n" +
		"assembles carts and returns checkout links, backed by an LLM\n" +
		"agent and the VkusVill MCP tool server.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
}
