package main

import (
	"log"

	"github.com/spf13/cobra"

	"nlpkit/internal/config"
	"nlpkit/internal/logger"
)

func main() {
	cmd, err := rootCmd().ExecuteC()
	if err != nil {
		log.Fatalf("nlpkit %s failed: %v", cmd.Name(), err)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string
	cfg        config.Config
	log        logger.Logger
}

func rootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "nlpkit",
		Short:         "Run NLP tasks against pre-built inference models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the config file (default ~/.nlpkit/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		runCmd(a),
		tasksCmd(a),
		modelCmd(a),
		statsCmd(a),
		serveCmd(a),
	)
	return root
}

func (a *app) load() error {
	path := a.configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.EnsureConfigDir(path); err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	a.cfg = cfg
	a.log = logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		JSON:       cfg.Log.JSON,
		TimeFormat: "15:04:05",
	})
	logger.SetDefault(a.log)
	return nil
}
