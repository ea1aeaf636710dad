// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// stratum-query runs the query module: the event-driven read cache and
// the read API.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/process"
	"github.com/stratumfs/stratum/query"
)

func main() {
	root := &cobra.Command{
		Use:   "stratum-query",
		Short: "Stratum query module",
	}
	process.Bind(root)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the query module",
		RunE: func(cmd *cobra.Command, args []string) error {
			var config query.Config
			if err := process.LoadConfig(cmd, &config); err != nil {
				return err
			}

			log, err := process.NewLogger(cmd, "query")
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

			peer, err := query.New(ctx, log, config, verifier)
			if err != nil {
				return err
			}
			defer func() {
				if err := peer.Close(); err != nil {
					log.Error("close failed", zap.Error(err))
				}
			}()

			log.Info("query module starting")
			return peer.Run(ctx)
		},
	}

	root.AddCommand(runCmd)
	process.Exec(root)
}
