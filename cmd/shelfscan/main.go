// Package main provides the shelfscan backend: the product save queue, its
// HTTP API and event stream, plus local maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/shelfscan/backend/internal/config"
	"github.com/kimhsiao/shelfscan/backend/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app carries state shared by subcommands.
type app struct {
	v          *viper.Viper
	configFile string
	envFile    string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "shelfscan",
		Short:         "Store inventory backend with a durable product save queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default ./shelfscan.yaml)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("data-dir", "", "directory holding the local journal database")
	flags.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	a.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newStatusCmd(a))
	return root
}

func (a *app) load() error {
	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Log.Level))
	return nil
}
