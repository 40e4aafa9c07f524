package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/retrieval"
)

var (
	searchScheme           string
	searchK                int
	searchVector           string
	searchVectorFile       string
	searchTags             []string
	searchSources          []string
	searchFrom             string
	searchTo               string
	searchIncludeRetracted bool
	searchPageSize         int
	searchPageToken        string
	searchEF               int
	searchExact            bool
	searchTimeout          time.Duration
)

func init() {
	f := searchCmd.Flags()
	f.StringVarP(&searchScheme, "scheme", "s", "", "Embedding scheme to search (required)")
	f.IntVarP(&searchK, "k", "k", 10, "Number of nearest passages")
	f.StringVar(&searchVector, "vector", "", "Query vector as comma-separated floats")
	f.StringVar(&searchVectorFile, "vector-file", "", "File holding the query vector as a JSON array")
	f.StringArrayVarP(&searchTags, "tag", "t", nil, "Require tag (can be repeated, uses AND logic)")
	f.StringArrayVar(&searchSources, "source", nil, "Restrict to source (can be repeated, uses OR logic)")
	f.StringVar(&searchFrom, "from", "", "Earliest publication date (YYYY, YYYY-MM or YYYY-MM-DD)")
	f.StringVar(&searchTo, "to", "", "Latest publication date (YYYY, YYYY-MM or YYYY-MM-DD)")
	f.BoolVar(&searchIncludeRetracted, "include-retracted", false, "Include retracted papers")
	f.IntVar(&searchPageSize, "page-size", 0, "Results per page (default: k)")
	f.StringVar(&searchPageToken, "page-token", "", "Token from a previous page")
	f.IntVar(&searchEF, "ef", 0, "Search beam width (default: scheme setting)")
	f.BoolVar(&searchExact, "exact", false, "Scan every vector instead of walking the graph")
	f.DurationVar(&searchTimeout, "timeout", 0, "Per-request deadline")
	_ = searchCmd.MarkFlagRequired("scheme")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find passages nearest to a query vector",
	Long: `Find the passages nearest to a query vector in one embedding scheme.

Results are hydrated with their passage text and paper metadata and can
be filtered by tag, source and publication date. Retracted papers are
excluded unless --include-retracted is set.

Examples:
  openscience search -s minilm --vector 0.1,0.2,0.3 -k 5
  openscience search -s minilm --vector-file q.json --tag cs.CL --from 2017
  openscience search -s minilm --vector-file q.json --page-token <token>`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func runSearch(cmd *cobra.Command, _ []string) error {
	vec, err := queryVector()
	if err != nil {
		return err
	}
	filter := model.Filter{Tags: searchTags, IncludeRetracted: searchIncludeRetracted}
	for _, s := range searchSources {
		filter.Sources = append(filter.Sources, model.Source(s))
	}
	if filter.From, err = optionalDate("from", searchFrom); err != nil {
		return err
	}
	if filter.To, err = optionalDate("to", searchTo); err != nil {
		return err
	}

	ctx := cmd.Context()
	e, _ := mustOpenEngine(ctx)
	defer closeEngine(ctx, e)

	resp, err := e.Search(ctx, retrieval.SearchRequest{
		Vector:    vec,
		Scheme:    searchScheme,
		K:         searchK,
		Filter:    filter,
		PageSize:  searchPageSize,
		PageToken: searchPageToken,
		EF:        searchEF,
		Exact:     searchExact,
		Timeout:   searchTimeout,
	})
	if err != nil {
		return err
	}
	if !humanOutput {
		return outputJSON(resp)
	}
	if resp.LowRecall {
		outputHuman("warning: fewer than k matches survived filtering\n")
	}
	for _, hit := range resp.Results {
		outputHuman("%3d. %.4f  %s  %s\n", hit.Rank, hit.Distance, hit.Paper.ID, truncate(hit.Paper.Title, SearchTitleMaxLen))
		outputHuman("     %s\n", truncate(hit.Passage.Text, SearchTitleMaxLen))
	}
	if resp.NextPageToken != "" {
		outputHuman("\nnext page: --page-token %s\n", resp.NextPageToken)
	}
	return nil
}

func queryVector() ([]float32, error) {
	switch {
	case searchVector != "" && searchVectorFile != "":
		return nil, model.Invalid("vector", "use either --vector or --vector-file")
	case searchVectorFile != "":
		data, err := os.ReadFile(searchVectorFile)
		if err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal(data, &vec); err != nil {
			return nil, model.Invalid("vector", err.Error())
		}
		return vec, nil
	case searchVector != "":
		parts := strings.Split(searchVector, ",")
		vec := make([]float32, len(parts))
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
			if err != nil {
				return nil, model.Invalid("vector", fmt.Sprintf("component %d: %v", i, err))
			}
			vec[i] = float32(f)
		}
		return vec, nil
	default:
		return nil, model.Invalid("vector", "--vector or --vector-file is required")
	}
}

func optionalDate(field, s string) (*model.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := model.ParseDate(s)
	if err != nil {
		return nil, model.Invalid(field, err.Error())
	}
	return &d, nil
}
