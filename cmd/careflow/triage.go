package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zen-systems/careflow/pkg/schema"
)

func triageCmd() *cobra.Command {
	var (
		mode       string
		patientID  string
		afterHours bool
		load       string
		category   string
		provider   string
	)

	cmd := &cobra.Command{
		Use:   "triage [symptoms]",
		Short: "Triage one symptom description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			audience, err := schema.ParseAudience(mode)
			if err != nil {
				return err
			}
			req := &schema.TriageRequest{
				Mode:         audience,
				Symptoms:     args[0],
				PatientID:    patientID,
				IsAfterHours: afterHours,
				SystemLoad:   schema.SystemLoad(load),
				TestCategory: category,

				ProviderPreference: provider,
			}

			resp := a.conductor.Triage(cmd.Context(), req)
			return writeJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "patient", "audience (patient, clinician)")
	cmd.Flags().StringVar(&patientID, "patient-id", "cli", "patient identifier")
	cmd.Flags().BoolVar(&afterHours, "after-hours", false, "treat the request as after hours")
	cmd.Flags().StringVar(&load, "load", "", "system load (low, normal, high)")
	cmd.Flags().StringVar(&category, "category", "", "test category tag")
	cmd.Flags().StringVar(&provider, "provider", "", "preferred adapter, used when registered")
	return cmd
}

func batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [requests.jsonl]",
		Short: "Triage newline-delimited JSON requests (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			reqs, err := readRequests(in)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out, err := a.conductor.BatchTriage(ctx, reqs)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func readRequests(r io.Reader) ([]*schema.TriageRequest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var reqs []*schema.TriageRequest
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var req schema.TriageRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		reqs = append(reqs, &req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
