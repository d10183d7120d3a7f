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
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/ux"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine"
	"github.com/ssmirnovpro/diagramV2-sub001/services/policy_engine/enforcement"
)

// =============================================================================
// POLICY COMMAND
// =============================================================================

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and exercise the security rule table",
		Long: `policy + subcommands work on the security rules. Without --file they use the
table embedded in the binary; with --file they use an operator override file
such as the one configured in security.rules_file.`,
	}
	cmd.AddCommand(newPolicyVerifyCmd(), newPolicyDumpCmd(), newPolicyTestCmd())
	return cmd
}

// loadRules returns the raw rule bytes and a label for where they came from.
func loadRules(file string) ([]byte, string, error) {
	if file == "" {
		return enforcement.SecurityRules, "embedded", nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, file, fmt.Errorf("failed to read rule file: %w", err)
	}
	return data, file, nil
}

// =============================================================================
// POLICY VERIFY COMMAND
// =============================================================================

// newPolicyVerifyCmd builds "diagramgate policy verify".
//
// Verify compiles the rule table and prints its SHA256 fingerprint so
// operators can confirm which rules a binary or override file carries.
//
// # Exit Codes
//
//   - 0: Rules compiled
//   - 2: Unreadable or invalid rule file
func newPolicyVerifyCmd() *cobra.Command {
	var file string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the integrity of the security rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, source, err := loadRules(file)
			if err != nil {
				return &exitError{code: CLIExitError, err: err}
			}

			hash := sha256.Sum256(data)
			result := PolicyVerifyResult{
				Source:   source,
				Hash:     fmt.Sprintf("sha256:%x", hash),
				ByteSize: len(data),
			}
			engine, compileErr := policy_engine.NewPolicyEngineFromBytes(data, policy_engine.Options{})
			if compileErr == nil {
				info := engine.Info()
				result.Valid = true
				result.RuleCount = info.RuleCount
				result.Categories = info.Categories
				result.Version = info.Version
			} else {
				result.Error = compileErr.Error()
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := OutputJSON(out, result, false); err != nil {
					return &exitError{code: CLIExitError, err: fmt.Errorf("failed to encode JSON: %w", err)}
				}
			} else {
				ui := ux.NewPrinter(out)
				ui.Title("Security Rules Verification")
				ui.Field("Source", result.Source)
				ui.Field("Byte size", result.ByteSize)
				ui.Field("SHA256", fmt.Sprintf("%x", hash))
				if result.Valid {
					ui.Field("Version", result.Version)
					ui.Field("Rules", result.RuleCount)
					ui.Field("Categories", strings.Join(result.Categories, ", "))
					ui.Success("rule table compiled")
				} else {
					ui.Error("rule table is invalid")
				}
			}

			if compileErr != nil {
				return &exitError{code: CLIExitError, err: compileErr}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Verify an override rule file instead of the embedded table")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// =============================================================================
// POLICY DUMP COMMAND
// =============================================================================

// newPolicyDumpCmd builds "diagramgate policy dump". YAML output is the file
// as stored; --json prints the compiled table in scan order.
func newPolicyDumpCmd() *cobra.Command {
	var file string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the security rule table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, _, err := loadRules(file)
			if err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			out := cmd.OutOrStdout()
			if !asJSON {
				_, err := out.Write(data)
				return err
			}

			engine, err := policy_engine.NewPolicyEngineFromBytes(data, policy_engine.Options{})
			if err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			info := engine.Info()
			result := struct {
				Version string               `json:"version"`
				Hash    string               `json:"hash"`
				Rules   []policy_engine.Rule `json:"rules"`
			}{
				Version: info.Version,
				Hash:    info.Hash,
				Rules:   engine.Rules(),
			}
			if err := OutputJSON(out, result, false); err != nil {
				return &exitError{code: CLIExitError, err: fmt.Errorf("failed to encode JSON: %w", err)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Dump an override rule file instead of the embedded table")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the compiled rules as JSON")
	return cmd
}

// =============================================================================
// POLICY TEST COMMAND
// =============================================================================

// newPolicyTestCmd builds "diagramgate policy test <source>". A source of "-"
// is read from stdin.
//
// # Exit Codes
//
//   - 0: Source would be forwarded (warnings may still be printed)
//   - 1: Source would be rejected
//   - 2: Error
func newPolicyTestCmd() *cobra.Command {
	var (
		file          string
		diagramType   string
		blockSeverity string
		asJSON        bool
		redact        bool
	)
	cmd := &cobra.Command{
		Use:   "test <source>",
		Short: "Scan a diagram source and report what the gateway would do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			if source == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return &exitError{code: CLIExitError, err: fmt.Errorf("failed to read stdin: %w", err)}
				}
				source = string(data)
			}

			severity, err := policy_engine.ParseSeverity(blockSeverity)
			if err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			data, _, err := loadRules(file)
			if err != nil {
				return &exitError{code: CLIExitError, err: err}
			}
			engine, err := policy_engine.NewPolicyEngineFromBytes(data, policy_engine.Options{BlockSeverity: severity})
			if err != nil {
				return &exitError{code: CLIExitError, err: fmt.Errorf("failed to create policy engine: %w", err)}
			}

			outcome := engine.Scan(source, diagramType)
			result := PolicyTestResult{
				DiagramType:   diagramType,
				BlockSeverity: string(severity),
				Blocked:       !outcome.Valid(),
				Matches:       make([]PolicyTestMatch, 0),
			}
			if blocking, ok := outcome.Blocking(); ok {
				result.BlockingRule = blocking.RuleID
			}
			for _, f := range outcome.Findings() {
				match := PolicyTestMatch{
					Rule:     f.RuleID,
					Category: string(f.Kind),
					Severity: strings.ToUpper(string(f.Severity)),
					Message:  f.Message,
					Line:     f.Position.Line,
					Column:   f.Position.Column,
				}
				if !redact {
					match.Match = f.Excerpt
				}
				result.Matches = append(result.Matches, match)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				if err := OutputJSON(out, result, false); err != nil {
					return &exitError{code: CLIExitError, err: fmt.Errorf("failed to encode JSON: %w", err)}
				}
			} else {
				printPolicyTest(out, result)
			}

			if result.Blocked {
				return &exitError{code: CLIExitFindings}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Use an override rule file instead of the embedded table")
	cmd.Flags().StringVarP(&diagramType, "type", "t", "plantuml", "Diagram type used to scope rules")
	cmd.Flags().StringVar(&blockSeverity, "block-severity", string(policy_engine.High), "Lowest severity that rejects: low, medium or high")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&redact, "redact", false, "Omit matched text from the output")
	return cmd
}

func printPolicyTest(out io.Writer, result PolicyTestResult) {
	ui := ux.NewPrinter(out)
	if len(result.Matches) == 0 {
		ui.Success("No policy findings.")
		return
	}
	ui.Title("Policy findings")
	for _, m := range result.Matches {
		icon := ux.IconWarning
		if m.Rule == result.BlockingRule {
			icon = ux.IconError
		}
		ui.Item(icon, fmt.Sprintf("[%s] %s: %s", m.Severity, m.Rule, m.Message), fmt.Sprintf("(line %d)", m.Line))
		if m.Match != "" {
			ui.Muted("      Match: " + m.Match)
		}
	}
	if result.Blocked {
		ui.Error(fmt.Sprintf("Rejected by %s (block severity %s).", result.BlockingRule, result.BlockSeverity))
	} else {
		ui.Warning(fmt.Sprintf("Forwarded with warnings (block severity %s).", result.BlockSeverity))
	}
}
