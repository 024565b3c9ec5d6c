package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tablegate/internal/pkg/administrator"
	"tablegate/internal/pkg/logger"
)

var (
	processScope string
	processID    string
	processOut   string
)

var processCmd = &cobra.Command{
	Use:   "process FILE",
	Short: "Process one HTML file and print the rehydrated document",
	Long: `Process reads an HTML document, answers every matching table through the
cache or the prediction endpoint, and writes the rehydrated HTML to stdout or
--out. A summary goes to stderr.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVar(&processScope, "scope", "", "Scope the document belongs to (required)")
	processCmd.Flags().StringVar(&processID, "id", "", "Document ID (default: file name)")
	processCmd.Flags().StringVarP(&processOut, "out", "o", "", "Write the result to this file instead of stdout")
	_ = processCmd.MarkFlagRequired("scope")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	// stdout carries the document, keep logs off it
	cfg, err := setup("stderr")
	if err != nil {
		return err
	}
	defer logger.Log.Sync()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	id := processID
	if id == "" {
		id = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}

	admin, err := administrator.New(cfg)
	if err != nil {
		return err
	}
	defer admin.Stop()

	ctx := cmd.Context()
	if _, _, err := admin.SubmitDocument(ctx, processScope, id, bytes.NewReader(raw)); err != nil {
		return err
	}
	summary, err := admin.ProcessDocument(ctx, processScope, id)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := admin.RenderDocument(processScope, id, &out); err != nil {
		return err
	}
	if processOut != "" {
		if err := os.WriteFile(processOut, out.Bytes(), 0o644); err != nil {
			return err
		}
	} else if _, err := cmd.OutOrStdout().Write(out.Bytes()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "candidates=%d applied=%d cached=%d called=%d skipped=%d failed=%d\n",
		summary.Candidates, summary.Applied, summary.Cached, summary.Called, summary.Skipped, summary.Failed)
	return nil
}
