package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anima-research/connectome/internal/log"
	"github.com/anima-research/connectome/pkg/space"
	"github.com/anima-research/connectome/pkg/veil"
)

// eventLine is the JSONL shape `run` accepts on stdin or from --events: one
// SpaceEvent per line, in the persistence event wire format.
type eventLine struct {
	Topic     string         `json:"topic"`
	Source    sourceLine     `json:"source"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

type sourceLine struct {
	ElementID   string   `json:"elementId"`
	ElementPath []string `json:"elementPath"`
	ElementType string   `json:"elementType"`
}

var runEventsFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the frame loop against a JSONL event source",
	Long: `Run builds a space from the configuration and feeds it events read as
JSON lines from --events (or stdin), draining the queue one frame at a time.
Each sealed frame is printed as it lands. Without an LLM provider binding
this exercises the full core pipeline; agent activations render their
contexts but no completion comes back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.Logger()
		sp, err := space.New(config.SpaceConfig(), nil, nil, logger)
		if err != nil {
			return err
		}
		defer func() { _ = sp.Close() }()
		sp.Registry().RegisterModulator(space.DedupeModulator{})
		if err := sp.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		frames, cancel := sp.SubscribeFrames(16)
		defer cancel()
		go func() {
			for ev := range frames {
				f := ev.Payload
				fmt.Printf("frame %d: %d event(s), %d delta(s)\n",
					f.Sequence, len(f.Events), len(f.Deltas))
			}
		}()

		var in io.Reader = os.Stdin
		if runEventsFile != "" {
			file, err := os.Open(runEventsFile)
			if err != nil {
				return fmt.Errorf("opening events file: %w", err)
			}
			defer func() { _ = file.Close() }()
			in = file
		}

		go feedEvents(ctx, in, sp, logger)

		err = sp.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func feedEvents(ctx context.Context, in io.Reader, sp *space.Space, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var el eventLine
		if err := json.Unmarshal(line, &el); err != nil {
			logger.Warn("skipping malformed event line", zap.Error(err))
			continue
		}
		// Events without a source element get one minted from the space's
		// deterministic id generator; the stamped event stream is what gets
		// persisted, so replay sees the same ids.
		if el.Source.ElementID == "" {
			el.Source.ElementID = sp.IDs().NextID("ingress")
		}
		sp.Enqueue(veil.SpaceEvent{
			Topic: el.Topic,
			Source: veil.ElementRef{
				ElementID:   el.Source.ElementID,
				ElementPath: el.Source.ElementPath,
				ElementType: el.Source.ElementType,
			},
			Timestamp: el.Timestamp,
			Payload:   el.Payload,
		})
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("event source closed", zap.Error(err))
	}
}

func init() {
	runCmd.Flags().StringVar(&runEventsFile, "events", "", "JSONL file of events to feed (default: stdin)")
	rootCmd.AddCommand(runCmd)
}
