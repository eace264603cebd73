package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zos-ai/zos/internal/eventbus"
	"github.com/zos-ai/zos/internal/ledger"
	"github.com/zos-ai/zos/internal/observe"
)

// observation is one JSONL line fed to `zos observe`.
type observation struct {
	Kind      string                 `json:"kind"` // message | reaction | reaction_removed | thread_created | message_deleted
	Message   *observe.MessageEvent  `json:"message,omitempty"`
	Reaction  *observe.ReactionEvent `json:"reaction,omitempty"`
	Thread    *observe.ThreadEvent   `json:"thread,omitempty"`
	Deleted   string                 `json:"deleted_message_id,omitempty"`
	DeletedAt *time.Time             `json:"deleted_at,omitempty"`
}

var observeCmd = &cobra.Command{
	Use:   "observe [file]",
	Short: "Ingest observation events from a JSONL file or stdin",
	Long: `Read observation events, one JSON object per line, and apply the
earning rules. Re-ingesting a file is safe: messages already seen never
earn twice.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		bus := eventbus.New()
		bus.Register(eventbus.LogHandler{})
		led := ledger.New(store, cfg, bus)
		obs := observe.New(store, led, cfg, bus)

		var total, failed int
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			total++
			if err := ingestLine(cmd, obs, line); err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", total, err)
			}
			if cmd.Context().Err() != nil {
				break
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ingested %d event(s), %d failed\n", total-failed, failed)
		if failed > 0 {
			return fmt.Errorf("%d event(s) failed", failed)
		}
		return nil
	},
}

func ingestLine(cmd *cobra.Command, obs *observe.Observer, line []byte) error {
	var ev observation
	if err := json.Unmarshal(line, &ev); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	ctx := cmd.Context()
	switch ev.Kind {
	case "message", "":
		if ev.Message == nil {
			return fmt.Errorf("message event missing message body")
		}
		return obs.ObserveMessage(ctx, *ev.Message)
	case "reaction":
		if ev.Reaction == nil {
			return fmt.Errorf("reaction event missing reaction body")
		}
		return obs.ObserveReaction(ctx, *ev.Reaction)
	case "reaction_removed":
		if ev.Reaction == nil {
			return fmt.Errorf("reaction event missing reaction body")
		}
		return obs.ObserveReactionRemoved(ctx, *ev.Reaction)
	case "thread_created":
		if ev.Thread == nil {
			return fmt.Errorf("thread event missing thread body")
		}
		return obs.ObserveThreadCreated(ctx, *ev.Thread)
	case "message_deleted":
		if ev.Deleted == "" {
			return fmt.Errorf("message_deleted event missing id")
		}
		at := time.Time{}
		if ev.DeletedAt != nil {
			at = *ev.DeletedAt
		}
		return obs.ObserveMessageDeleted(ctx, ev.Deleted, at)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func init() {
	rootCmd.AddCommand(observeCmd)
}
