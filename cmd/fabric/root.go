package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/xraph/fabric"
)

// envPrefix prefixes every environment variable read by the binary.
const envPrefix = "FABRIC"

const defaultRetryDelay = 200 * time.Millisecond

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "fabric",
		Short:         "Distributed subscription orchestration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "path to a config file (yaml, json or toml)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("server", "http://localhost:8080", "control-plane URL used by the client commands")
	bindFlags(v, flags, "config", "log-level", "log-format", "server")

	root.AddCommand(
		newStartCommand(v),
		newSubscribersCommand(v),
		newSubscriptionsCommand(v),
		newRequestCommand(v),
	)
	return root
}

// bindFlags binds each named flag to the viper key with dashes replaced by
// underscores, which is also the suffix of its environment variable.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		key := strings.ReplaceAll(name, "-", "_")
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("fabric: bind flag %s: %v", name, err))
		}
	}
}

// loadConfig reads the optional config file, the environment and flags,
// in increasing precedence, into a validated Config.
func loadConfig(v *viper.Viper) (fabric.Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fabric.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := fabric.DefaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return fabric.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fabric.Config{}, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log format %q: want text or json", format)
	}
}
