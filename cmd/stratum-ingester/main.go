// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// stratum-ingester runs the ingest module: capacity monitoring with
// leader election, element selection and finalization.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/ingester"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/process"
)

func main() {
	root := &cobra.Command{
		Use:   "stratum-ingester",
		Short: "Stratum ingest module",
	}
	process.Bind(root)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ingest module",
		RunE: func(cmd *cobra.Command, args []string) error {
			var config ingester.Config
			if err := process.LoadConfig(cmd, &config); err != nil {
				return err
			}

			log, err := process.NewLogger(cmd, "ingester")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := process.Ctx()
			defer cancel()

			var verifier auth.Verifier
			if config.AuthKeysURL != "" {
				verifier = auth.NewRemoteVerifier(config.AuthKeysURL)
			} else {
				log.Warn("auth-keys-url is empty, authentication is disabled")
			}

			peer, err := ingester.New(ctx, log, config, verifier)
			if err != nil {
				return err
			}
			defer func() {
				if err := peer.Close(); err != nil {
					log.Error("close failed", zap.Error(err))
				}
			}()

			log.Info("ingest module starting")
			return peer.Run(ctx)
		},
	}

	root.AddCommand(runCmd)
	process.Exec(root)
}
