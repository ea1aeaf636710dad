// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// stratum-se runs a storage element: durable file storage with
// attribute sidecars, a write-ahead log and a local metadata cache.
package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/process"
	"github.com/stratumfs/stratum/storageelement"
)

func main() {
	root := &cobra.Command{
		Use:   "stratum-se",
		Short: "Stratum storage element",
	}
	process.Bind(root)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the storage element",
		RunE: func(cmd *cobra.Command, args []string) error {
			var config storageelement.Config
			if err := process.LoadConfig(cmd, &config); err != nil {
				return err
			}

			log, err := process.NewLogger(cmd, "se")
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

			peer, err := storageelement.New(log, config, verifier)
			if err != nil {
				return err
			}
			defer func() {
				if err := peer.Close(); err != nil {
					log.Error("close failed", zap.Error(err))
				}
			}()

			log.Info("storage element starting",
				zap.String("element_id", config.ElementID),
				zap.String("mode", config.Mode))
			return peer.Run(ctx)
		},
	}

	root.AddCommand(runCmd)
	process.Exec(root)
}
