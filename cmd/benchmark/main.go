package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"reviewsearch/internal/adapter/memstore"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/index"
	"reviewsearch/internal/query"
	"reviewsearch/internal/vector"
)

func main() {
	n := flag.Int("n", 20000, "Number of vectors to index")
	dim := flag.Int("dim", 64, "Vector dimension")
	clusters := flag.Int("clusters", 50, "Number of synthetic topics")
	spread := flag.Float64("spread", 0.35, "Noise around each topic center")
	maxSize := flag.Int("max-partition", 128, "Maximum partition size")
	queries := flag.Int("queries", 200, "Number of queries")
	topK := flag.Int("k", 10, "Number of results")
	fanouts := flag.String("fanouts", "1,2,4,8,16,32", "Comma separated fanouts to test")
	passes := flag.Int("reassign", 2, "Reassign passes after loading")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	fo, err := parseFanouts(*fanouts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -fanouts: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rng := rand.New(rand.NewSource(*seed))
	centers := make([]domain.Vector, *clusters)
	for i := range centers {
		centers[i] = randomUnit(rng, *dim)
	}
	sample := func() domain.Vector {
		c := centers[rng.Intn(len(centers))]
		v := make(domain.Vector, *dim)
		for i := range v {
			v[i] = c[i] + float32(rng.NormFloat64()**spread)
		}
		vector.NormalizeInPlace(v)
		return v
	}

	store := memstore.NewMemoryStore()
	engine := index.New(store, store, index.Options{
		Dimension:        *dim,
		MaxPartitionSize: *maxSize,
		Logger:           zerolog.Nop(),
	})
	if err := engine.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("PARTITIONED INDEX RECALL BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))

	items := make([]domain.BatchItem, *n)
	for i := range items {
		items[i] = domain.BatchItem{Vector: sample()}
	}
	start := time.Now()
	for lo := 0; lo < len(items); lo += 1000 {
		hi := min(lo+1000, len(items))
		for _, r := range engine.InsertBatch(ctx, items[lo:hi], nil) {
			if !r.OK() {
				fmt.Fprintf(os.Stderr, "Insert error: %v\n", r.Err)
				os.Exit(1)
			}
		}
	}
	loadTime := time.Since(start)
	for i := 0; i < *passes; i++ {
		if _, err := engine.Reassign(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Reassign error: %v\n", err)
			os.Exit(1)
		}
	}
	if err := engine.WaitForFixups(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Maintenance error: %v\n", err)
		os.Exit(1)
	}

	st, _ := engine.Stats(ctx)
	fmt.Printf("Vectors:     %d (dim %d, %d topics)\n", st.Records, *dim, *clusters)
	fmt.Printf("Partitions:  %d (avg %.1f, largest %d)\n", st.Partitions, st.AvgPartition, st.LargestSize)
	fmt.Printf("Splits:      %d  Merges: %d  Reassigned: %d\n", st.Splits, st.Merges, st.Reassigned)
	fmt.Printf("Load time:   %s (%.0f vectors/s)\n", loadTime.Round(time.Millisecond), float64(*n)/loadTime.Seconds())
	fmt.Println()

	qs := make([]domain.Vector, *queries)
	truth := make([][]domain.ScoredReview, *queries)
	for i := range qs {
		qs[i] = sample()
		truth[i], err = query.Exhaustive(ctx, store, qs[i], *topK)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Exhaustive search error: %v\n", err)
			os.Exit(1)
		}
	}

	qe := query.New(engine.Partitions(), store, query.Config{Parallelism: 4})
	fmt.Printf("%-8s %-10s %-12s %s\n", "fanout", "recall@"+strconv.Itoa(*topK), "avg latency", "scanned")
	fmt.Println(strings.Repeat("-", 70))
	for _, f := range fo {
		var recall float64
		var probed int
		start := time.Now()
		for i, q := range qs {
			res, err := qe.SearchWithOptions(ctx, q, query.Options{TopK: *topK, Fanout: f})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
				os.Exit(1)
			}
			recall += query.Recall(res.Hits, truth[i])
			probed += res.Probed
		}
		elapsed := time.Since(start)
		fmt.Printf("%-8d %-10.3f %-12s %.1f partitions\n",
			f, recall/float64(len(qs)), (elapsed / time.Duration(len(qs))).Round(time.Microsecond), float64(probed)/float64(len(qs)))
	}
	fmt.Println(strings.Repeat("=", 70))
}

func parseFanouts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		f, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if f <= 0 {
			return nil, fmt.Errorf("fanout must be positive, got %d", f)
		}
		out = append(out, f)
	}
	return out, nil
}

func randomUnit(rng *rand.Rand, dim int) domain.Vector {
	v := make(domain.Vector, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	vector.NormalizeInPlace(v)
	return v
}
