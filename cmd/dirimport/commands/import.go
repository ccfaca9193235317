package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/portalis/dirimport/directory"
	"github.com/portalis/dirimport/errors"
	"github.com/portalis/dirimport/ingest"
	"github.com/portalis/dirimport/logger"
	"github.com/portalis/dirimport/session"
)

// ImportCmd runs one import session from a local CSV file
var ImportCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Run one import session from a local CSV file",
	Long: `Parse a delimited identity file and drive the directory API to create
or update one identity per record. Prints the terminal summary when the
batch finishes; Ctrl-C requests cancellation at the next record boundary.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var (
	importPopulation string
	importRPM        int
)

func init() {
	ImportCmd.Flags().StringVar(&importPopulation, "population", "", "Default population ID (overrides config)")
	ImportCmd.Flags().IntVar(&importRPM, "rpm", 0, "Outbound requests per minute (overrides config)")
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if importPopulation != "" {
		cfg.Import.DefaultPopulationID = importPopulation
	}
	if importRPM > 0 {
		cfg.Import.RequestsPerMinute = importRPM
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	file, err := os.Open(args[0])
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", args[0])
	}
	defer file.Close()

	dataset, err := ingest.ParseReader(file, ingest.Options{
		UniqueColumn:     cfg.Import.UniqueColumn,
		PopulationColumn: cfg.Import.PopulationColumn,
	})
	if err != nil {
		pterm.Error.Printf("Input rejected: %v\n", err)
		return err
	}

	client := directory.NewClient(directory.Config{
		BaseURL:       cfg.Directory.BaseURL,
		EnvironmentID: cfg.Directory.EnvironmentID,
		APIToken:      cfg.Directory.APIToken,
		Timeout:       cfg.Directory.Timeout,
	}, logger.Logger)

	runner := session.NewRunner(session.RunnerConfig{
		DefaultPopulationID: cfg.Import.DefaultPopulationID,
		RequestsPerMinute:   cfg.Import.RequestsPerMinute,
		RetryLimit:          cfg.Import.RetryLimit,
		BackoffBase:         cfg.Import.BackoffBase,
	}, client, nil, logger.Logger)

	s := session.New(dataset, logger.Logger)

	// Ctrl-C requests cooperative cancellation; the record in flight finishes
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		pterm.Warning.Println("Cancellation requested, finishing the record in flight")
		s.RequestCancel()
	}()

	pterm.Info.Printf("Importing %d records from %s\n", dataset.Total(), args[0])
	started := time.Now()

	if err := runner.Run(context.Background(), s); err != nil {
		pterm.Error.Printf("Import failed: %v\n", err)
		return err
	}

	printSummary(s, dataset, time.Since(started))
	return nil
}

func printSummary(s *session.Session, dataset *ingest.Dataset, elapsed time.Duration) {
	counts := s.Counts()

	pterm.Println()
	switch s.Status() {
	case session.StatusCancelled:
		pterm.Warning.Printf("Import cancelled after %d of %d records\n", counts.Processed, counts.Total)
	default:
		pterm.Success.Println("Import completed")
	}

	pterm.Printf("  Total:     %d\n", counts.Total)
	pterm.Printf("  Processed: %d\n", counts.Processed)
	pterm.Printf("  Succeeded: %d\n", counts.Succeeded)
	pterm.Printf("  Failed:    %d\n", counts.Failed)
	pterm.Printf("  Skipped:   %d\n", counts.Skipped)
	pterm.Printf("  Elapsed:   %s\n", elapsed.Round(time.Millisecond))

	if counts.Failed == 0 && counts.Skipped == 0 {
		return
	}

	pterm.Println()
	pterm.Info.Println("Records that did not succeed:")
	for _, rec := range dataset.Records {
		if rec.Outcome == ingest.OutcomeError || rec.Outcome == ingest.OutcomeSkipped {
			pterm.Printf("  line %d (%s): %s - %s\n",
				rec.LineNumber, rec.UniqueValue, rec.Outcome, rec.ErrorDetail)
		}
	}
}
