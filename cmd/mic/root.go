/*
Copyright © 2025 Jayson Grace <jayson.e.grace@gmail.com>

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

// Package main implements the mic CLI for building, converting, and
// inspecting OS filesystem images.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sailfishos/mic/config"
	"github.com/sailfishos/mic/logging"
	micerrors "github.com/sailfishos/mic/pkg/errors"
)

// Context key type for storing config
type configKeyType struct{}

var (
	// configKey is the context key for storing the config
	configKey = configKeyType{}

	// Root command options
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "mic",
	Short: "mic - OS image creator",
	Long: `mic builds OS filesystem images from a YAML build description,
converts finished images between formats, and opens interactive chroot
sessions inside them.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default is $HOME/.config/mic/mic.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json, color)")
	rootCmd.PersistentFlags().String("logfile", "", "Append a full copy of the log to this file")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Quiet mode - only show errors")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose mode - show debug output")
	rootCmd.PersistentFlags().Bool("debug", false, "Alias for --verbose")

	// Add subcommands
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(chrootCmd)
	rootCmd.AddCommand(versionCmd)
}

// configFromContext retrieves the config from the command context.
// Returns nil if no config is stored in context.
func configFromContext(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey).(*config.Config); ok {
		return cfg
	}
	return nil
}

// initConfig initializes configuration with proper precedence:
// CLI Flags > Environment Variables > Config File > Settings File > Defaults
func initConfig(cmd *cobra.Command, args []string) error {
	// 1. Load config (handles defaults, the system settings file, the
	// user config file, and MIC_* environment variables)
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFromPath(cfgFile)
		if err != nil {
			return micerrors.Wrap("load config file", cfgFile, err)
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			return micerrors.Wrap("load configuration", "", err)
		}
	}

	// 2. Bind the logging flags through Viper so flags win over the
	// config file
	v := viper.New()
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.logfile", cfg.Log.LogFile)
	v.SetEnvPrefix("MIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindLogFlags(v, cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")
	cfg.Log.LogFile = v.GetString("log.logfile")

	quiet, _ := cmd.Flags().GetBool("quiet")
	verbose, _ := cmd.Flags().GetBool("verbose")
	debug, _ := cmd.Flags().GetBool("debug")

	// 3. Initialize logging with the final values
	var logfile io.Writer
	if cfg.Log.LogFile != "" {
		f, err := os.OpenFile(cfg.Log.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return micerrors.Wrap("open log file", cfg.Log.LogFile, err)
		}
		logfile = f
	}
	logger := logging.NewWithOptions(cfg.Log.Level, cfg.Log.Format, quiet, verbose || debug, logfile)

	// 4. Store config and logger in the command context for subcommands
	ctx := context.WithValue(cmd.Context(), configKey, cfg)
	ctx = logging.WithLogger(ctx, logger)
	cmd.SetContext(ctx)

	return nil
}

// bindLogFlags binds the persistent logging flags to Viper so the final
// precedence holds: flags over environment over config file.
func bindLogFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, name := range map[string]string{
		"log.level":   "log-level",
		"log.format":  "log-format",
		"log.logfile": "logfile",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind %s flag: %w", name, err)
		}
	}
	return nil
}

// exactArgs wraps cobra's positional validator so a wrong argument count
// surfaces as a usage error and terminates with the usage exit status.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return micerrors.Usagef("%v", err)
		}
		return nil
	}
}

// requireRoot rejects privileged operations started without root. Image
// builds mount filesystems and create device nodes; there is no unprivileged
// fallback.
func requireRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: this operation needs root, rerun with sudo", micerrors.ErrPermission)
	}
	return nil
}
