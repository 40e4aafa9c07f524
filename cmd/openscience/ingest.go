package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AGIHouse/openscience"
	"github.com/AGIHouse/openscience/model"
)

// maxLineBytes bounds one JSONL record. Documents with full text are large.
const maxLineBytes = 64 << 20

var (
	ingestSnapshot bool
	ingestFailFast bool
)

func init() {
	for _, c := range []*cobra.Command{ingestCmd, attachCmd} {
		c.Flags().BoolVar(&ingestFailFast, "fail-fast", false, "Stop at the first rejected record")
	}
	attachCmd.Flags().BoolVar(&ingestSnapshot, "snapshot", false, "Save a snapshot of every scheme after indexing")
	rootCmd.AddCommand(ingestCmd, attachCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <documents.jsonl>",
	Short: "Ingest parsed documents",
	Long: `Ingest parsed documents, one JSON object per line. Use - for stdin.

Each document is resolved against existing papers, its passages are
stored per strategy and its citations become edges. Re-ingesting an
unchanged document is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		resp, err := eachLine(args[0], func(line []byte) error {
			var doc model.Document
			if err := json.Unmarshal(line, &doc); err != nil {
				return model.Invalid("document", err.Error())
			}
			res, err := e.PutDocument(ctx, &doc)
			if err != nil {
				return err
			}
			if humanOutput {
				verb := "updated"
				if res.Resolution.Created {
					verb = "created"
				}
				outputHuman("%s %s  %d new passages, %d citations\n", verb, res.Resolution.Paper.ID, res.NewPassages, res.CitationsAdded)
			}
			return nil
		})
		return report(resp, err)
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <embeddings.jsonl>",
	Short: "Attach passage embeddings",
	Long: `Attach embeddings, one {"passage_id","scheme","vector"} object per line.
Use - for stdin. The command waits until every embedding is indexed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		resp, err := eachLine(args[0], func(line []byte) error {
			var rec model.EmbeddingRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return model.Invalid("embedding", err.Error())
			}
			_, err := e.Attach(ctx, rec)
			return err
		})
		if err != nil {
			return err
		}
		if err := e.Drain(ctx); err != nil {
			return err
		}
		if ingestSnapshot {
			if err := snapshotAll(ctx, e); err != nil {
				return err
			}
		}
		return report(resp, nil)
	},
}

func snapshotAll(ctx context.Context, e *openscience.Engine) error {
	for _, s := range e.Schemes() {
		info, err := e.SaveSnapshot(ctx, s.Name)
		if err != nil {
			return err
		}
		if humanOutput {
			outputHuman("snapshot %s v%d  %d nodes\n", info.Scheme, info.Version, info.Nodes)
		}
	}
	return nil
}

// eachLine calls fn for every non-empty line of path. Record errors are
// collected unless --fail-fast is set.
func eachLine(path string, fn func(line []byte) error) (CountResponse, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return CountResponse{}, err
		}
		defer f.Close()
		r = f
	}

	var resp CountResponse
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		resp.Processed++
		if err := fn(line); err != nil {
			if ingestFailFast {
				return resp, fmt.Errorf("line %d: %w", lineNo, err)
			}
			resp.Failed++
			resp.Errors = append(resp.Errors, fmt.Sprintf("line %d: %v", lineNo, err))
		}
	}
	return resp, sc.Err()
}

func report(resp CountResponse, err error) error {
	if err != nil {
		return err
	}
	if humanOutput {
		outputHuman("processed %d, failed %d\n", resp.Processed, resp.Failed)
		for _, msg := range resp.Errors {
			outputHuman("  %s\n", msg)
		}
	} else if err := outputJSON(resp); err != nil {
		return err
	}
	if resp.Failed > 0 {
		return fmt.Errorf("%d of %d records rejected: %w", resp.Failed, resp.Processed, model.ErrValidation)
	}
	return nil
}
