package cli

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export or restore the whole index",
}

var snapshotExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write every review and the partition layout to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
		if err != nil {
			return err
		}
		defer rt.Close()

		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create snapshot file: %w", err)
		}
		w := bufio.NewWriter(f)
		info, err := rt.engine.WriteSnapshot(ctx, w)
		if err == nil {
			err = w.Flush()
		}
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(args[0])
			return fmt.Errorf("snapshot failed: %w", err)
		}
		fmt.Printf("Wrote %d reviews in %d partitions to %s\n", info.Records, info.Partitions, args[0])
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Load a snapshot into an empty index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()

		ctx := cmd.Context()
		rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
		if err != nil {
			return err
		}
		defer rt.Close()

		info, err := rt.engine.RestoreSnapshot(ctx, bufio.NewReader(f))
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d reviews in %d partitions (snapshot taken %s)\n",
			info.Records, info.Partitions, info.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotExportCmd, snapshotRestoreCmd)
}
