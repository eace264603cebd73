package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zos-ai/zos/internal/httpapi"
	"github.com/zos-ai/zos/internal/insight"
)

var serveNoScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon: scheduler, decay loop, and introspection API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		// API-only mode skips the model client, so no API key is needed.
		var (
			st  *stack
			api *httpapi.Server
			err error
		)
		if serveNoScheduler {
			store, serr := openStore(ctx)
			if serr != nil {
				return serr
			}
			defer store.Close()
			api = httpapi.New(store, insight.NewRetriever(store), nil, cfg)
		} else {
			st, err = buildStack(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.sched.Start(ctx); err != nil {
				return err
			}
			api = httpapi.New(st.store, st.retriever, st.sched, cfg)
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			log.Printf("http listening on %s", cfg.HTTP.Addr)
			return api.ListenAndServe()
		})

		if !serveNoScheduler {
			// Layer files are live; edits reschedule without a restart.
			g.Go(func() error {
				return st.registry.Watch(gctx)
			})
			g.Go(func() error {
				return decayLoop(gctx, st)
			})
		}

		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := api.Shutdown(shutCtx); err != nil {
				log.Printf("http shutdown: %v", err)
			}
			if !serveNoScheduler {
				st.sched.Stop()
			}
			return gctx.Err()
		})

		fmt.Fprintln(cmd.OutOrStdout(), "zos daemon up; ctrl-c to stop")
		err = g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// decayLoop applies decay once at startup and then daily. Catch-up for
// multi-day downtime happens inside RunDecay itself.
func decayLoop(ctx context.Context, st *stack) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		n, err := st.ledger.RunDecay(ctx, time.Now().UTC())
		if err != nil {
			log.Printf("decay pass failed: %v", err)
		} else if n > 0 {
			log.Printf("decay applied to %d topic(s)", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the introspection API without running layers",
	RunE: func(cmd *cobra.Command, args []string) error {
		serveNoScheduler = true
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "serve the API only; do not run layers")
	rootCmd.AddCommand(serveCmd, apiCmd)
}
