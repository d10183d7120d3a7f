// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/handlers"
)

func newFormatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "formats",
		Short: "Print the supported output formats per diagram type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := formats.DefaultPolicy()
			if err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			table := handlers.FormatsTable(policy)
			out := cmd.OutOrStdout()

			if asJSON {
				if err := OutputJSON(out, table, false); err != nil {
					return &exitError{code: CLIExitError, err: fmt.Errorf("failed to encode JSON: %w", err)}
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "TYPE\tDEFAULT\tSUPPORTED\tALIASES\n")
			for _, row := range table.Types {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					row.Type, row.Default, strings.Join(row.Supported, ","), strings.Join(row.Aliases, ","))
			}
			if err := tw.Flush(); err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			fmt.Fprintf(out, "\nformat policy version %s\n", table.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
