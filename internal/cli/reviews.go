package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"reviewsearch/internal/domain"
)

var (
	addTitle   string
	addBody    string
	addProduct string
	addRating  int
)

var addCmd = &cobra.Command{
	Use:     "add",
	Short:   "Add a single review",
	Example: `  reviewsearch add --title "Great" --body "battery lasts a week" --product phone-1 --rating 5`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
		if err != nil {
			return err
		}
		defer rt.Close()

		id, err := rt.ingest.Add(ctx, domain.Review{
			Title:     addTitle,
			Body:      addBody,
			ProductID: addProduct,
			Rating:    addRating,
		})
		if err != nil {
			return fmt.Errorf("add failed: %w", err)
		}
		fmt.Printf("Added review %s\n", id)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete reviews by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]domain.ReviewID, len(args))
		for i, a := range args {
			id, err := domain.ParseReviewID(a)
			if err != nil {
				return fmt.Errorf("invalid review id %q: %w", a, err)
			}
			ids[i] = id
		}

		ctx := cmd.Context()
		rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
		if err != nil {
			return err
		}
		defer rt.Close()

		var errs []error
		for _, id := range ids {
			if err := rt.ingest.Delete(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("review %s: %w", id, err))
				continue
			}
			fmt.Printf("Deleted review %s\n", id)
		}
		if err := rt.engine.WaitForFixups(ctx); err != nil {
			log.Warn().Err(err).Msg("pending maintenance not finished")
		}
		return errors.Join(errs...)
	},
}

func init() {
	rootCmd.AddCommand(addCmd, deleteCmd)
	addCmd.Flags().StringVar(&addTitle, "title", "", "review title")
	addCmd.Flags().StringVar(&addBody, "body", "", "review body")
	addCmd.Flags().StringVar(&addProduct, "product", "", "product id")
	addCmd.Flags().IntVar(&addRating, "rating", 0, "rating")
}
