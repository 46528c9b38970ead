package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Index review files",
	Long: `Read every review file (.json or .jsonl) below the given directory and
insert its reviews into the index. Reviews that cannot be embedded or
stored are reported and skipped; the rest are indexed.

Examples:
  reviewsearch ingest .                # Ingest current directory
  reviewsearch ingest /data/reviews    # Ingest specific directory`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := GetRootDir()
	if len(args) > 0 {
		var err error
		path, err = filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("invalid path: %w", err)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("Scanning %s...\n", path)

	start := time.Now()
	bar := progressbar.NewOptions(-1,
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Ingesting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	result, err := rt.ingest.Ingest(ctx, path, func(done int) {
		bar.Set(done)
	})
	bar.Finish()
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	// Leave the index compact for the next reader.
	if err := rt.engine.WaitForFixups(ctx); err != nil {
		log.Warn().Err(err).Msg("pending maintenance not finished")
	}

	fmt.Printf("\nIngest complete in %s:\n", formatDuration(time.Since(start)))
	fmt.Printf("  Files read:     %d\n", result.Files)
	fmt.Printf("  Reviews read:   %d\n", result.Reviews)
	fmt.Printf("  Inserted:       %d\n", result.Inserted)
	fmt.Printf("  Failed:         %d\n", result.Failed)

	if len(result.Errors) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, e := range result.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	fmt.Printf("\nIndex stored at: %s\n", rt.dbPath)
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
