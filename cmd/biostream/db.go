package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/biostream/internal/rpc"
)

var (
	dbTarget  string
	dbRecords string
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage worker databases",
}

func init() {
	dbCmd.PersistentFlags().StringVar(&dbTarget, "target", "", "worker endpoint (default: first configured target)")

	add := func(op rpc.DatabaseOp, use, short string, args cobra.PositionalArgs, build func([]string) (*rpc.DatabaseRequest, error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				req, err := build(args)
				if err != nil {
					return err
				}
				cmd.SilenceUsage = true
				return runDatabase(cmd.Context(), cmd.OutOrStdout(), op, req)
			},
		}
		dbCmd.AddCommand(c)
		return c
	}
	named := func(args []string) (*rpc.DatabaseRequest, error) {
		return &rpc.DatabaseRequest{Database: args[0]}, nil
	}

	add(rpc.DBCreate, "create <name>", "Create a database", cobra.ExactArgs(1), named)
	add(rpc.DBDelete, "delete <name>", "Delete a database", cobra.ExactArgs(1), named)
	add(rpc.DBRename, "rename <from> <to>", "Rename a database", cobra.ExactArgs(2), func(args []string) (*rpc.DatabaseRequest, error) {
		return &rpc.DatabaseRequest{Database: args[0], NewName: args[1]}, nil
	})
	add(rpc.DBList, "list", "List databases", cobra.NoArgs, func([]string) (*rpc.DatabaseRequest, error) {
		return &rpc.DatabaseRequest{}, nil
	})
	insert := add(rpc.DBInsert, "insert <name>", "Insert records read as a JSON array", cobra.ExactArgs(1), func(args []string) (*rpc.DatabaseRequest, error) {
		recs, err := readRecords(dbRecords)
		if err != nil {
			return nil, err
		}
		return &rpc.DatabaseRequest{Database: args[0], Records: recs}, nil
	})
	insert.Flags().StringVar(&dbRecords, "records", "-", "file holding a JSON array of {id, data}; - reads stdin")
	add(rpc.DBRetrieve, "retrieve <name> [id]...", "Retrieve records, all when no ids are given", cobra.MinimumNArgs(1), func(args []string) (*rpc.DatabaseRequest, error) {
		return &rpc.DatabaseRequest{Database: args[0], IDs: args[1:]}, nil
	})
	add(rpc.DBCheckpoint, "checkpoint <name>", "Write a snapshot of a database", cobra.ExactArgs(1), named)
	add(rpc.DBFinalize, "finalize <name>", "Snapshot a database and make it read-only", cobra.ExactArgs(1), named)

	rootCmd.AddCommand(dbCmd)
}

func readRecords(path string) ([]rpc.Record, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	var recs []rpc.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	return recs, nil
}

func dbEndpoint() (string, error) {
	if dbTarget != "" {
		return dbTarget, nil
	}
	if len(cfg.Client.Targets) == 0 {
		return "", fmt.Errorf("no target configured")
	}
	return cfg.Client.Targets[0], nil
}

func runDatabase(ctx context.Context, out io.Writer, op rpc.DatabaseOp, req *rpc.DatabaseRequest) error {
	target, err := dbEndpoint()
	if err != nil {
		return err
	}
	c, err := rpc.Dial(target, cfg.Transport)
	if err != nil {
		return err
	}
	defer c.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Client.CallTimeout)
	defer cancel()

	reply, err := c.Database(ctx, op, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, target, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reply)
}
