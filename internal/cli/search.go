package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	searchText   string
	searchTopK   int
	searchFanout int
	searchJSON   bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search indexed reviews",
	Long: `Find the reviews most similar to a query text. Only the partitions whose
centroids are closest to the query are scanned; raise --fanout to trade
latency for recall.

Examples:
  reviewsearch search -q "battery dies quickly"
  reviewsearch search -q "great fit" -k 10 --fanout 32 --json`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchText, "query", "q", "", "search query (required)")
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default from config)")
	searchCmd.Flags().IntVar(&searchFanout, "fanout", 0, "partitions to probe (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output as JSON")
	searchCmd.MarkFlagRequired("query")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := openRuntime(ctx, GetConfig(), GetRootDir())
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.search.Search(ctx, searchText, searchTopK, searchFanout)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		output, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(res.Hits) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	fmt.Printf("Found %d results for: %s (%d partitions probed)\n\n", len(res.Hits), searchText, res.Probed)
	for i, h := range res.Hits {
		fmt.Printf("[%d] review %s  score %.4f  product %s  rating %d\n",
			i+1, h.ID, h.Score, h.Metadata.ProductID, h.Metadata.Rating)
	}
	if res.Partial {
		fmt.Println("\nWarning: search timed out, results are partial")
	}
	return nil
}
