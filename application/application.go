package application

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	zlog "github.com/lk2023060901/passport-garden-go/pkg/log"
	zviper "github.com/lk2023060901/passport-garden-go/pkg/util/viper"

	"github.com/lk2023060901/passport-garden-go/internal/server"
)

// Application is the main runtime container for the passport service.
// It owns configuration loading and logging initialization.
type Application struct {
	cfg *zviper.Config
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run loads configuration and initializes the global logger.
// The config file path is resolved with the following priority:
//  1. Default: ./config.yaml
//  2. Env: PASSPORT_CONFIG_FILE_PATH
//  3. CLI: --config <path> or --config=<path>
func (a *Application) Run() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	return a.initLogging()
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// ServerConfig returns the server section of the configuration,
// falling back to defaults for unset fields.
func (a *Application) ServerConfig() (server.Config, error) {
	cfg := server.DefaultConfig()
	if a.cfg == nil {
		return cfg, nil
	}
	if err := a.cfg.UnmarshalKey("server", &cfg); err != nil {
		return cfg, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

// DataFile returns the user data file path, defaulting to ./data/users.dat.
func (a *Application) DataFile() string {
	path := "./data/users.dat"
	if a.cfg == nil {
		return path
	}
	var storeCfg struct {
		DataFile string `mapstructure:"data_file"`
	}
	if err := a.cfg.UnmarshalKey("store", &storeCfg); err == nil && storeCfg.DataFile != "" {
		path = storeCfg.DataFile
	}
	return path
}

// MetricsAddr returns the metrics listen address; empty disables the endpoint.
func (a *Application) MetricsAddr() string {
	if a.cfg == nil {
		return ""
	}
	var metricsCfg struct {
		Addr string `mapstructure:"addr"`
	}
	if err := a.cfg.UnmarshalKey("metrics", &metricsCfg); err != nil {
		return ""
	}
	return metricsCfg.Addr
}

// loadConfig resolves the config file path and loads it via the viper wrapper.
// A missing default config file is tolerated; the service then runs on defaults.
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := "./config.yaml"
	explicit := false

	if envPath := os.Getenv("PASSPORT_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
		explicit = true
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			explicit = true
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			if val := strings.TrimPrefix(arg, "--config="); val != "" {
				configPath = val
				explicit = true
			}
		}
	}

	cfg := zviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}
	return cfg, nil
}

// initLogging configures the global logger from the "log" config section.
func (a *Application) initLogging() error {
	logCfg := &zlog.Config{
		Level:  "info",
		Format: "text",
		Stdout: true,
	}
	if a.cfg != nil {
		if err := a.cfg.UnmarshalKey("log", logCfg); err != nil {
			return fmt.Errorf("invalid log config: %w", err)
		}
	}

	logger, props, err := zlog.InitLogger(logCfg)
	if err != nil {
		return err
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}
