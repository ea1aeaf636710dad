// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package process holds the bootstrap shared by all service binaries:
// config loading, logger construction and signal-aware execution.
package process

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the process error class.
var Error = errs.Class("process")

// Bind registers the common flags on a service's root command.
func Bind(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "path to the config file")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")
}

// LoadConfig reads the config file and environment into config.
// Environment variables use the STRATUM_ prefix with underscores for
// nesting, e.g. STRATUM_SERVER_ADDRESS.
func LoadConfig(cmd *cobra.Command, config interface{}) error {
	vip := viper.New()
	vip.SetEnvPrefix("stratum")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return Error.New("reading config %q: %v", path, err)
		}
	}

	// flags set on the command line win over file and environment
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			vip.Set(strings.ReplaceAll(flag.Name, "-", "."), flag.Value.String())
		}
	})

	if err := vip.Unmarshal(config); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// NewLogger builds the service logger.
func NewLogger(cmd *cobra.Command, name string) (*zap.Logger, error) {
	debug, _ := cmd.Flags().GetBool("debug")

	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
	}
	log, err := config.Build()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return log.Named(name), nil
}

// Ctx returns a context canceled by SIGINT or SIGTERM.
func Ctx() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Exec runs the root command and exits non-zero on error.
func Exec(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
