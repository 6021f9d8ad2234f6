// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the idkit CLI commands.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idkit",
		Short: "Standalone OAuth 2.1 identity issuer",
		Long: `idkit runs an OAuth 2.1 / OIDC-flavored identity issuer: hosted
authentication flows, ES256-signed access tokens, rotating refresh tokens,
and pluggable storage backends.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	viper.SetEnvPrefix("IDKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}
