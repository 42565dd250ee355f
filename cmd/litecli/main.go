// cmd/litecli is the CLI entry-point built with Cobra.
//
// Usage:
//
//	litecli put mydoc '{"n":1}'          --server http://localhost:4984
//	litecli get mydoc                    --server http://localhost:4984
//	litecli history mydoc                --server http://localhost:4984
//	litecli replicate ws://other:4984/sync --push --pull
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"litecore/internal/client"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	collection string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "litecli",
		Short: "CLI client for a litecored node",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:4984", "litecored server address")
	root.PersistentFlags().StringVarP(&collection, "collection", "c",
		"_default/_default", "Collection as scope/name")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(putCmd(), getCmd(), deleteCmd(), historyCmd(), replicateCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(serverAddr, collection, timeout)
}

// ─── put ──────────────────────────────────────────────────────────────────────

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <docID> <body>",
		Short: "Store a new revision of a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Put(context.Background(), args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── get ──────────────────────────────────────────────────────────────────────

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <docID>",
		Short: "Retrieve a document's current revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Get(context.Background(), args[0])
			if err == client.ErrNotFound {
				fmt.Printf("document %q not found\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s @ %s (seq %d)\n%s\n", resp.DocID, resp.RevID, resp.Sequence, resp.Body)
			return nil
		},
	}
}

// ─── delete ───────────────────────────────────────────────────────────────────

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <docID>",
		Short: "Write a deletion revision (tombstone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %q\n", args[0])
			return nil
		},
	}
}

// ─── history ──────────────────────────────────────────────────────────────────

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <docID>",
		Short: "Show a document's revision ancestry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().History(context.Background(), args[0])
			if err != nil {
				return err
			}
			prettyPrint(resp)
			return nil
		},
	}
}

// ─── replicate ────────────────────────────────────────────────────────────────

func replicateCmd() *cobra.Command {
	var push, pull, continuous bool
	cmd := &cobra.Command{
		Use:   "replicate <url>",
		Short: "Start replicating against a remote sync endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !push && !pull {
				push, pull = true, true
			}
			id, err := newClient().StartReplication(context.Background(), args[0], push, pull, continuous)
			if err != nil {
				return err
			}
			fmt.Printf("started %s\n", id)
			return nil
		},
	}
	cmd.Flags().BoolVar(&push, "push", false, "Push local changes")
	cmd.Flags().BoolVar(&pull, "pull", false, "Pull remote changes")
	cmd.Flags().BoolVar(&continuous, "continuous", false, "Keep replicating until stopped")
	return cmd
}

// ─── status ───────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [replicatorID]",
		Short: "Show replicator status (all if no ID given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			ctx := context.Background()
			if len(args) == 0 {
				resp, err := c.GetRaw(ctx, "/replicators")
				if err != nil {
					return err
				}
				fmt.Println(resp)
				return nil
			}
			st, err := c.ReplicationStatus(ctx, args[0])
			if err != nil {
				return err
			}
			prettyPrint(st)
			return nil
		},
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func prettyPrint(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
