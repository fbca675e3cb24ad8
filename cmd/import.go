package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/importer"
)

var (
	importFile      string
	importRequester string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Bulk-record enrichment requests from a CSV or XLSX file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		im := importer.New(env.Ledger, importer.Config{
			Concurrency: cfg.Import.Concurrency,
			BatchSize:   cfg.Import.BatchSize,
		})

		summary, err := im.ImportFile(ctx, importFile, importRequester)
		if err != nil {
			return eris.Wrap(err, "import file")
		}

		zap.L().Info("import complete",
			zap.Int("rows", summary.Rows),
			zap.Int("accepted", summary.Accepted),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed_batches", summary.FailedBatches),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to .csv or .xlsx request file (required)")
	importCmd.Flags().StringVar(&importRequester, "requester", "import", "requester identifier")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
