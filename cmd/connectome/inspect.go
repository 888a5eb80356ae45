package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/anima-research/connectome/internal/log"
	"github.com/anima-research/connectome/pkg/persistence"
	"github.com/anima-research/connectome/pkg/persistence/index"
	"github.com/anima-research/connectome/pkg/veil"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect persisted frames, buckets, and branches",
}

var inspectFrameCmd = &cobra.Command{
	Use:   "frame <sequence>",
	Short: "Print one persisted frame as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid sequence %q: %w", args[0], err)
		}
		store, err := openStore()
		if err != nil {
			return err
		}

		// Prefer the transition file; fall back to the bucket covering the
		// sequence (older history may only survive in buckets).
		frame, ferr := store.ReadTransition(seq)
		if ferr != nil {
			frame, err = frameFromBuckets(store, seq)
			if err != nil {
				return fmt.Errorf("frame %d not found: %w", seq, ferr)
			}
		}
		data, err := persistence.MarshalFrame(frame)
		if err != nil {
			return err
		}
		return printJSON(data)
	},
}

var inspectBucketCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List the current branch's bucket references",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		refs := store.BranchRefs(store.Branch())
		if len(refs) == 0 {
			fmt.Printf("branch %s: no buckets yet (head %d)\n", store.Branch(), store.BranchHead())
			return nil
		}
		fmt.Printf("branch %s (head %d):\n", store.Branch(), store.BranchHead())
		for _, ref := range refs {
			fmt.Printf("  %s  frames %d-%d (%d)\n", ref.Hash, ref.StartSequence, ref.EndSequence, ref.FrameCount)
		}
		return nil
	},
}

var inspectReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the derived SQLite bucket index from the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		manifestData, err := os.ReadFile(filepath.Join(config.Persistence.StoragePath, "manifest.json"))
		if err != nil {
			return fmt.Errorf("reading manifest: %w", err)
		}
		var m persistence.Manifest
		if err := json.Unmarshal(manifestData, &m); err != nil {
			return fmt.Errorf("parsing manifest: %w", err)
		}
		ix, err := index.Open(filepath.Join(config.Persistence.StoragePath, "index.db"))
		if err != nil {
			return err
		}
		defer func() { _ = ix.Close() }()
		if err := ix.Rebuild(&m); err != nil {
			return err
		}
		fmt.Printf("rebuilt index for %d branch(es)\n", len(m.Branches))
		return nil
	},
}

func openStore() (*persistence.Store, error) {
	return persistence.Open(persistence.Config{
		StoragePath:      config.Persistence.StoragePath,
		SnapshotInterval: config.Persistence.SnapshotInterval,
		BucketSize:       config.Persistence.BucketSize,
		BucketCacheSize:  config.Persistence.BucketCacheSize,
	}, log.Logger())
}

func frameFromBuckets(store *persistence.Store, seq uint64) (*veil.Frame, error) {
	for _, ref := range store.BranchRefs(store.Branch()) {
		if seq < ref.StartSequence || seq > ref.EndSequence {
			continue
		}
		frames, err := store.Buckets().Load(ref)
		if err != nil {
			return nil, err
		}
		for _, f := range frames {
			if f.Sequence == seq {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("no bucket covers sequence %d", seq)
}

func printJSON(data []byte) error {
	var buf map[string]any
	if err := json.Unmarshal(data, &buf); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}

func init() {
	inspectCmd.AddCommand(inspectFrameCmd)
	inspectCmd.AddCommand(inspectBucketCmd)
	inspectCmd.AddCommand(inspectReindexCmd)
	rootCmd.AddCommand(inspectCmd)
}
