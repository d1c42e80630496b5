package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/scrumlive/internal/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "scrumlive",
	Short: "ScrumLive runs live retrospectives and planning poker",
	Long: `A real-time session engine for sprint retrospectives and planning poker.
Settings come from flags, SCRUMLIVE_* environment variables or a config file.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML, TOML or JSON config file")
}

// loadConfig binds the flags of c to the shared Viper instance and loads
// the resulting configuration.
func loadConfig(c *cobra.Command) (*config.Config, error) {
	if err := v.BindPFlags(c.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v, cfgFile)
}
