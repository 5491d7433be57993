// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	gatewaycmd "github.com/sapcc/lunrgate/cmd/gateway"
	volumecmd "github.com/sapcc/lunrgate/cmd/volume"
	"github.com/sapcc/lunrgate/internal/lunr"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("LUNRGATE_DEBUG")
	lunr.SetupHTTPClient()

	rootCmd := &cobra.Command{
		Use:     "lunrgate",
		Short:   "Client and auth gateway for the Lunr volume API",
		Long:    "lunrgate drives the Lunr volume API on behalf of an orchestration layer, and protects it with an authenticating gateway. This binary contains both the server and the operator tooling.",
		Version: bininfo.VersionOr("rolling"),
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}
	volumecmd.AddCommandTo(rootCmd)

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Server commands.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help() //nolint:errcheck
		},
	}
	gatewaycmd.AddCommandTo(serverCmd)
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logg.Fatal(err.Error())
	}
}
