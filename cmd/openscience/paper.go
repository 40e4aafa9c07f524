package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/AGIHouse/openscience/model"
	"github.com/AGIHouse/openscience/retrieval"
)

var (
	passagesStrategy  string
	passagesPageSize  int
	passagesPageToken string

	citationsDepth     int
	citationsDirection string
	citationsMaxNodes  int
	citationsPageSize  int
	citationsPageToken string

	listAfter string
	listLimit int
)

func init() {
	passagesCmd.Flags().StringVar(&passagesStrategy, "strategy", string(model.StrategySentence), "Segmentation strategy")
	passagesCmd.Flags().IntVar(&passagesPageSize, "page-size", 0, "Passages per page")
	passagesCmd.Flags().StringVar(&passagesPageToken, "page-token", "", "Token from a previous page")

	citationsCmd.Flags().IntVarP(&citationsDepth, "depth", "d", 1, "Maximum hops from the paper")
	citationsCmd.Flags().StringVar(&citationsDirection, "direction", "forward", "forward (cites), backward (cited-by) or both")
	citationsCmd.Flags().IntVar(&citationsMaxNodes, "max-nodes", 0, "Node cap (default: configured limit)")
	citationsCmd.Flags().IntVar(&citationsPageSize, "page-size", 0, "Nodes per page (default: whole graph)")
	citationsCmd.Flags().StringVar(&citationsPageToken, "page-token", "", "Token from a previous page")

	mergeCandidatesCmd.Flags().StringVar(&listAfter, "after", "", "Resume after this key")
	mergeCandidatesCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum entries to return")

	rootCmd.AddCommand(paperCmd, passagesCmd, citationsCmd, retractCmd, mergeCandidatesCmd)
}

var paperCmd = &cobra.Command{
	Use:   "paper <paper-id>",
	Short: "Show a paper's metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		p, err := e.GetPaper(ctx, args[0])
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(p)
		}
		printPaper(p)
		return nil
	},
}

func printPaper(p *model.Paper) {
	outputHuman("%s\n", p.Title)
	outputHuman("  id:      %s\n", p.ID)
	outputHuman("  source:  %s\n", p.Source)
	if len(p.Authors) > 0 {
		outputHuman("  authors: %s\n", strings.Join(p.Authors, ", "))
	}
	if p.PublicationDate != nil {
		outputHuman("  date:    %s\n", p.PublicationDate)
	}
	if len(p.Tags) > 0 {
		outputHuman("  tags:    %s\n", strings.Join(p.Tags, ", "))
	}
	for src, id := range p.ExternalIDs {
		outputHuman("  %s: %s\n", src, id)
	}
}

var passagesCmd = &cobra.Command{
	Use:   "passages <paper-id>",
	Short: "List a paper's passages in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		page, err := e.GetPassages(ctx, retrieval.PassagesRequest{
			PaperID:   args[0],
			Strategy:  model.Strategy(passagesStrategy),
			PageSize:  passagesPageSize,
			PageToken: passagesPageToken,
		})
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(page)
		}
		for _, p := range page.Passages {
			outputHuman("%4d  [%d]  %s\n", p.OrderIndex, p.ID, p.Text)
		}
		if page.NextPageToken != "" {
			outputHuman("\nnext page: --page-token %s\n", page.NextPageToken)
		}
		return nil
	},
}

var citationsCmd = &cobra.Command{
	Use:   "citations <paper-id>",
	Short: "Walk the citation graph around a paper",
	Long: `Walk the citation graph breadth-first from a paper.

Forward follows the papers it cites, backward the papers citing it.
Depth is clamped to the configured maximum.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := model.ParseDirection(citationsDirection)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		g, err := e.GetCitationGraph(ctx, retrieval.GraphRequest{
			PaperID:   args[0],
			Depth:     citationsDepth,
			Direction: dir,
			MaxNodes:  citationsMaxNodes,
			PageSize:  citationsPageSize,
			PageToken: citationsPageToken,
		})
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(g)
		}
		for _, n := range g.Nodes {
			title := ""
			if n.Paper != nil {
				title = truncate(n.Paper.Title, ListTitleMaxLen)
			}
			outputHuman("%s%s  %s\n", strings.Repeat("  ", n.Hops), n.PaperID, title)
		}
		outputHuman("\n%d of %d nodes, %d edges", len(g.Nodes), g.Total, len(g.Edges))
		if g.Truncated {
			outputHuman(" (truncated)")
		}
		outputHuman("\n")
		if g.NextPageToken != "" {
			outputHuman("next page: --page-token %s\n", g.NextPageToken)
		}
		return nil
	},
}

var retractCmd = &cobra.Command{
	Use:   "retract <paper-id>",
	Short: "Mark a paper as retracted",
	Long: `Mark a paper as retracted. The paper and its passages stay in the
corpus but no longer appear in search results by default.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		p, err := e.Retract(ctx, args[0])
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(p)
		}
		outputHuman("retracted %s\n", p.ID)
		return nil
	},
}

var mergeCandidatesCmd = &cobra.Command{
	Use:   "merge-candidates",
	Short: "List papers that may be duplicates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		cands, err := e.MergeCandidates(ctx, listAfter, listLimit)
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(cands)
		}
		for _, c := range cands {
			outputHuman("%s ~ %s  (%s)\n", c.PaperID, c.CandidateID, c.Reason)
		}
		return nil
	},
}
