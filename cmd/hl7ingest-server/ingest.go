package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/hl7ingest/internal/domain/ingestion"
	"github.com/ehr/hl7ingest/internal/platform/hl7v2"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Ingest an HL7v2 batch file and print the batch report",
		Long: "Ingest reads a file of HL7v2 messages (optionally wrapped in FHS/BHS envelopes), " +
			"runs it through the configured backends as one batch and prints the report as JSON. " +
			"Use - to read from standard input.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			submittedBy, _ := cmd.Flags().GetString("submitted-by")

			payload, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			batch := fileBatch(source, submittedBy, payload)
			if len(batch.Messages) == 0 {
				return fmt.Errorf("no HL7 messages found in %s", args[0])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Logs go to stderr so stdout carries only the report.
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg).Output(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.coord.Ingest(cmd.Context(), batch)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().String("source", "", "Source system the messages come from")
	cmd.Flags().String("submitted-by", "cli", "Principal recorded on the batch report")
	cmd.MarkFlagRequired("source")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

// fileBatch splits payload into one batch. IDs and timestamps are left to
// the coordinator.
func fileBatch(source, submittedBy string, payload []byte) ingestion.Batch {
	b := ingestion.Batch{SourceSystem: source, SubmittedBy: submittedBy}
	for _, p := range hl7v2.SplitBatch(payload) {
		b.Messages = append(b.Messages, ingestion.RawMessage{SourceSystem: source, Payload: p})
	}
	return b
}

func writeReport(w io.Writer, report *ingestion.BatchReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Status == ingestion.BatchRejected {
		return fmt.Errorf("batch %s rejected: %d of %d messages failed", report.ID, report.Counts.Rejected, report.Counts.Total)
	}
	return nil
}
