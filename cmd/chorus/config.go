package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/chorus/internal/api"
	"github.com/jackzampolin/chorus/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to <home>/config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		path := h.ConfigPath()
		if h.ConfigExists() && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config after file and environment overrides",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		mgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		if f := mgr.ConfigFile(); f != "" {
			fmt.Printf("# %s\n", f)
		}
		return api.Output(mgr.Get())
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(configCmd)
}
