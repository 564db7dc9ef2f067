package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/CZERTAINLY/katago-server/internal/log"
	"github.com/CZERTAINLY/katago-server/internal/model"
)

const (
	appName        = "katago-server"
	configFileName = appName + ".yaml"
	configEnv      = "KATAGO_SERVER_CONFIG"
)

var (
	userConfigPath string // /default/config/path/katago-server on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, appName)
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configFileName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initServer

	analyzeCmd.Flags().DurationVar(&flagTimeout, "timeout", 0, "analysis timeout, default is engine.move_timeout")
	analyzeCmd.Flags().IntVar(&flagParallel, "parallel", 1, "requests analyzed at once")
	configInitCmd.Flags().BoolVar(&flagForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error(appName+" failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          appName,
	Short:        "HTTP server multiplexing requests to a KataGo analysis engine",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the engine and the HTTP API",
	RunE:  doServe,
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [requests.jsonl]",
	Short: "analyze runs analysis requests read from a file or stdin and prints the responses",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doAnalyze,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a " + appName,
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println(appName + ": version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("%s: %s\n", appName, info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config manages the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "init writes the default configuration",
	Args:  cobra.MaximumNArgs(1),
	// the file does not exist yet
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              doConfigInit,
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

func initServer(cmd *cobra.Command, _ []string) error {
	configPath = findConfig()

	var err error
	config, err = model.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Log.Level = "debug"
	}

	// initialize logging
	slog.SetDefault(log.New(log.Options{
		Level:  log.ParseLevel(config.Log.Level),
		Format: config.Log.Format,
	}))

	slog.Debug(appName+" run", "configPath", configPath)
	slog.Debug(appName+" run", "config", config)
	return nil
}

// findConfig returns the config to load, empty for defaults only.
func findConfig() string {
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	if envConfig, ok := os.LookupEnv(configEnv); ok {
		return envConfig
	}
	for _, d := range []string{".", userConfigPath} {
		path := filepath.Join(d, configFileName)
		if exists(path) {
			return path
		}
	}
	return ""
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
