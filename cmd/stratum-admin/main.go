// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// stratum-admin runs the admin module: the file registry, garbage
// collection, discovery and key rotation.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/admin"
	"github.com/stratumfs/stratum/pkg/process"
)

func main() {
	root := &cobra.Command{
		Use:   "stratum-admin",
		Short: "Stratum admin module",
	}
	process.Bind(root)

	var production bool
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the admin module",
		RunE: func(cmd *cobra.Command, args []string) error {
			var config admin.Config
			if err := process.LoadConfig(cmd, &config); err != nil {
				return err
			}
			if production {
				for _, origin := range config.Server.AllowedOrigins {
					if origin == "*" {
						return process.Error.New("wildcard cors origin is not allowed in production")
					}
				}
			}

			log, err := process.NewLogger(cmd, "admin")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := process.Ctx()
			defer cancel()

			peer, err := admin.New(ctx, log, config)
			if err != nil {
				return err
			}
			defer func() {
				if err := peer.Close(); err != nil {
					log.Error("close failed", zap.Error(err))
				}
			}()

			log.Info("admin module starting")
			return peer.Run(ctx)
		},
	}
	runCmd.Flags().BoolVar(&production, "production", false, "enable production safety checks")

	root.AddCommand(runCmd)
	process.Exec(root)
}
