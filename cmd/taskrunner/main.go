package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/DARPA-ASKEM/taskrunner/internal/log"
	"github.com/DARPA-ASKEM/taskrunner/internal/model"
)

var (
	configPath string // actual config file used (if loaded)
	config     = model.DefaultConfig()

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "YAML config file, "+model.EnvConfig+" has a precedence")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages, stdout may be a payload channel
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initTaskrunner

	rootCmd.AddCommand(echoCmd())
	rootCmd.AddCommand(incrementCmd())
	rootCmd.AddCommand(invokeCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("taskrunner failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "taskrunner",
	Short:        "Runs single-shot tasks talking to a parent through named pipes",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a taskrunner",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("taskrunner: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:     %s\n", configPath)
		}
		fmt.Printf("taskrunner: %s\n", info.Main.Version)
		fmt.Printf("go:         %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:     %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:       %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:      %s\n", s.Value)
			}
		}
	},
}

func initTaskrunner(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv(model.EnvConfig); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	}

	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	slog.SetDefault(log.New(os.Stderr, config.Verbose))
	slog.Debug("taskrunner run", "configPath", configPath)
	slog.Debug("taskrunner run", "config", config)
	return nil
}
