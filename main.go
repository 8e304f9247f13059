// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/sapcc/go-bits/logg"
	"github.com/sapcc/go-bits/osext"
	"github.com/spf13/cobra"

	apicmd "github.com/strawhub/strawhub/cmd/api"
	janitorcmd "github.com/strawhub/strawhub/cmd/janitor"

	// include all known driver implementations
	_ "github.com/strawhub/strawhub/internal/drivers/basic"
	_ "github.com/strawhub/strawhub/internal/drivers/filesystem"
	_ "github.com/strawhub/strawhub/internal/drivers/s3"
)

func main() {
	logg.ShowDebug = osext.GetenvBool("STRAWHUB_DEBUG")

	rootCmd := &cobra.Command{
		Use:     "strawhub",
		Short:   "Skill registry with malware scanning",
		Long:    "Strawhub is a skill registry. Published skill versions are submitted to a malware scanning provider before they are cleared for distribution.",
		Version: bininfo.VersionOr("unknown"),
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Server commands.",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	apicmd.AddCommandTo(serverCmd)
	janitorcmd.AddCommandTo(serverCmd)
	rootCmd.AddCommand(serverCmd)

	if err := rootCmd.Execute(); err != nil {
		logg.Fatal(err.Error())
	}
}
