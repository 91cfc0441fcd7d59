package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/autoqueue/internal/persistence"
)

func newSnapshotCmd(a *app) *cobra.Command {
	var storePath string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect, export and import stored queue snapshots",
	}
	cmd.PersistentFlags().StringVar(&storePath, "store", "", "SQLite file holding the snapshots (overrides store.path)")

	open := func(cmd *cobra.Command) (*persistence.SQLiteStore, error) {
		path := storePath
		if path == "" {
			path = a.cfg.Store.Path
		}
		if path == "" {
			return nil, errors.New("no store: pass --store or set store.path")
		}
		return persistence.NewSQLiteStore(cmd.Context(), path)
	}

	cmd.AddCommand(
		newSnapshotListCmd(open),
		newSnapshotExportCmd(open),
		newSnapshotImportCmd(open),
	)
	return cmd
}

type storeOpener func(*cobra.Command) (*persistence.SQLiteStore, error)

func newSnapshotListCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tVERSION\tTASKS\tTAKEN")
			for _, info := range infos {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n",
					info.ID, info.Name, info.Version, info.Tasks, info.TakenAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newSnapshotExportCmd(open storeOpener) *cobra.Command {
	var (
		name   string
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the latest snapshot to a file or stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := persistence.FormatFromPath(output)
			if format != "" {
				var err error
				if f, err = persistence.ParseFormat(format); err != nil {
					return err
				}
			}

			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.LoadSnapshot(cmd.Context(), name)
			if err != nil {
				return fmt.Errorf("snapshot %q: %w", name, err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			return persistence.Encode(w, snap, f)
		},
	}
	cmd.Flags().StringVar(&name, "name", queueID, "Snapshot name")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format (json, yaml); default from the file extension")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newSnapshotImportCmd(open storeOpener) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Store a snapshot file as the latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			snap, err := persistence.Decode(file, persistence.FormatFromPath(args[0]))
			if err != nil {
				return err
			}

			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.SaveSnapshot(cmd.Context(), name, snap)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored snapshot %d (%d tasks)\n", id, len(snap.Tasks))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", queueID, "Snapshot name")
	return cmd
}
