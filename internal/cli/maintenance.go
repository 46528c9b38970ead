package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"reviewsearch/internal/adapter/store"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
		if err != nil {
			return err
		}
		defer rt.Close()

		st, err := rt.engine.Stats(ctx)
		if err != nil {
			return err
		}
		if statsJSON {
			output, _ := json.MarshalIndent(st, "", "  ")
			fmt.Println(string(output))
			return nil
		}

		fmt.Printf("Index: %s\n", rt.dbPath)
		fmt.Printf("  Reviews:            %d\n", st.Records)
		fmt.Printf("  Partitions:         %d\n", st.Partitions)
		fmt.Printf("  Avg partition size: %.1f\n", st.AvgPartition)
		fmt.Printf("  Largest partition:  %d\n", st.LargestSize)
		fmt.Printf("  Embedder:           %s\n", rt.embedder.ModelName())
		if rt.cache != nil {
			fmt.Printf("  Cache entries:      %d (hit rate %.1f%%)\n", rt.cache.EntryCount(), rt.cache.HitRate()*100)
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair disagreements between stored reviews and partitions",
	Long: `Adopt stored reviews that no partition owns and drop partition members
whose review no longer exists. This also runs every time the index is
opened; the command reports what it did.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
		if err != nil {
			return err
		}
		defer rt.Close()

		report, err := rt.engine.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile failed: %w", err)
		}
		if err := rt.engine.WaitForFixups(ctx); err != nil {
			return err
		}
		fmt.Printf("Reconciled %d reviews: %d adopted, %d dropped, %d failed\n",
			report.Records, report.Adopted, report.Dropped, report.Failed)
		return nil
	},
}

var reassignPasses int

var reassignCmd = &cobra.Command{
	Use:   "reassign",
	Short: "Rebalance reviews between neighboring partitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
		if err != nil {
			return err
		}
		defer rt.Close()

		var scanned, moved int
		for i := 0; i < reassignPasses; i++ {
			report, err := rt.engine.Reassign(ctx)
			if err != nil {
				return fmt.Errorf("reassign failed: %w", err)
			}
			scanned += report.Scanned
			moved += report.Moved
			if report.Moved == 0 {
				break
			}
		}
		if err := rt.engine.WaitForFixups(ctx); err != nil {
			return err
		}
		fmt.Printf("Scanned %d reviews, moved %d\n", scanned, moved)
		return nil
	},
}

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every review and partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetForce {
			return fmt.Errorf("reset deletes the whole index, pass --force to confirm")
		}
		cfg := GetConfig()
		dbPath := cfg.IndexDBPath(GetRootDir())
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return fmt.Errorf("no index found at %s", dbPath)
		}

		st, err := store.NewBoltStore(dbPath, store.Options{
			Timeout:     cfg.Storage.Timeout,
			LockTimeout: cfg.Storage.LockTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open index store: %w", err)
		}
		if err := st.Clear(); err != nil {
			st.Close()
			return fmt.Errorf("failed to clear index: %w", err)
		}
		if err := st.Close(); err != nil {
			return err
		}
		fmt.Printf("Cleared %s\n", dbPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd, reconcileCmd, reassignCmd, resetCmd)
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
	reassignCmd.Flags().IntVar(&reassignPasses, "passes", 1, "maximum number of passes")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "confirm deletion")
}
