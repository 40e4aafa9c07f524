package main

import (
	"github.com/spf13/cobra"

	"github.com/AGIHouse/openscience/index"
)

func init() {
	snapshotCmd.AddCommand(snapshotSaveCmd, snapshotLoadCmd)
	rootCmd.AddCommand(rebuildCmd, compactCmd, snapshotCmd, checkCmd, schemesCmd)
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [scheme]",
	Short: "Rebuild indexes from stored embeddings",
	Long: `Rebuild one scheme's index, or every scheme's when none is named,
from the embeddings in the corpus store. Searches keep using the old
graph until the rebuild completes.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		var reports []index.MaintenanceReport
		if len(args) == 1 {
			r, err := e.Rebuild(ctx, args[0])
			if err != nil {
				return err
			}
			reports = append(reports, r)
		} else {
			rs, err := e.RebuildAll(ctx)
			if err != nil {
				return err
			}
			reports = rs
		}
		if err := snapshotAll(ctx, e); err != nil {
			return err
		}
		return printReports(reports)
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <scheme>",
	Short: "Drop retired nodes from a scheme's index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		r, err := e.Compact(ctx, args[0])
		if err != nil {
			return err
		}
		if _, err := e.SaveSnapshot(ctx, args[0]); err != nil {
			return err
		}
		return printReports([]index.MaintenanceReport{r})
	},
}

func printReports(reports []index.MaintenanceReport) error {
	if !humanOutput {
		return outputJSON(reports)
	}
	for _, r := range reports {
		outputHuman("%s  %d nodes, %d dropped, %d skipped  (%s)\n", r.Scheme, r.Nodes, r.Dropped, r.Skipped, r.Duration)
	}
	return nil
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Save or load index snapshots",
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save [scheme]",
	Short: "Write a snapshot of one or every scheme",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		names := args
		if len(names) == 0 {
			for _, s := range e.Schemes() {
				names = append(names, s.Name)
			}
		}
		var infos []index.SnapshotInfo
		for _, name := range names {
			info, err := e.SaveSnapshot(ctx, name)
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return printSnapshots(infos)
	},
}

var snapshotLoadCmd = &cobra.Command{
	Use:   "load <scheme>",
	Short: "Load the latest snapshot and report it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		info, err := e.LoadSnapshot(ctx, args[0])
		if err != nil {
			return err
		}
		return printSnapshots([]index.SnapshotInfo{info})
	},
}

func printSnapshots(infos []index.SnapshotInfo) error {
	if !humanOutput {
		return outputJSON(infos)
	}
	for _, info := range infos {
		outputHuman("%s v%d  %d nodes, %d bytes  %s\n", info.Scheme, info.Version, info.Nodes, info.Bytes, info.Path)
	}
	return nil
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate every index and rebuild corrupted ones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		repaired, err := e.CheckAndRepair(ctx)
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(map[string]any{"repaired": repaired})
		}
		if len(repaired) == 0 {
			outputHuman("all indexes valid\n")
		}
		for _, name := range repaired {
			outputHuman("rebuilt %s\n", name)
		}
		return nil
	},
}

var schemesCmd = &cobra.Command{
	Use:   "schemes",
	Short: "List embedding schemes and their index statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		e, _ := mustOpenEngine(ctx)
		defer closeEngine(ctx, e)

		stats, err := e.Stats(ctx)
		if err != nil {
			return err
		}
		if !humanOutput {
			return outputJSON(stats)
		}
		for _, s := range stats.Schemes {
			outputHuman("%-20s dim=%-5d %-8s nodes=%d retired=%d papers=%d\n", s.Scheme, s.Dimension, s.Metric, s.Nodes, s.Retired, s.Papers)
		}
		outputHuman("queued=%d in-flight=%d dead-letters=%d\n", stats.Ingest.Queued, stats.Ingest.InFlight, stats.Ingest.DeadLetters)
		return nil
	},
}
