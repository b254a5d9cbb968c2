package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"SceneForge-server/apperr"
	"SceneForge-server/routers"
	"SceneForge-server/routers/api"
	"SceneForge-server/service"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(jsonLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			if port == "" {
				port = a.cfg.Server.Port
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Jobs left running by a previous process are picked up once.
			go func() {
				rep, err := a.orch.ReconcileRunningJobs(ctx)
				if err != nil {
					a.logger.Error("startup reconcile failed", "error", err)
					return
				}
				a.logger.Info("startup reconcile done", "checked", rep.Checked, "completed", rep.Completed, "failed", rep.Failed)
			}()

			h := api.NewHandler(a.orch, a.exporter, a.cfg.Webhook.Secret, a.logger)
			srv := &http.Server{Addr: port, Handler: routers.InitRouter(h)}
			errc := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", "port", port, "strategy", a.orch.Strategy())
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.logger.Info("server stopping")
			return srv.Shutdown(shutdown)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Listen address, overrides server.port")
	return cmd
}

func workerCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued jobs from redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(jsonLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.Redis.Addr == "" {
				return apperr.Configuration("worker needs redis.addr")
			}
			// asynq stops on SIGINT/SIGTERM by itself.
			return service.NewWorker(a.cfg, a.orch, concurrency, a.logger).Run()
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 5, "Jobs processed in parallel")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		payloadPath string
		dryRun      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync a story payload and generate every pending scene",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(textLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			if payloadPath == "" {
				payloadPath = a.cfg.Story.PayloadPath
			}
			if payloadPath == "" {
				return apperr.Validation("no story payload: pass --payload or set story.payload_path")
			}
			p, err := service.LoadStoryPayload(payloadPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if _, err := a.orch.SyncStory(ctx, p); err != nil {
				return err
			}
			report, err := a.orch.RunStory(ctx, p.StoryID, dryRun)
			if report != nil {
				_ = printJSON(report)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&payloadPath, "payload", "", "Story payload JSON, defaults to story.payload_path")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Produce placeholders without calling the provider")
	return cmd
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Check every running job with the provider once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(textLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			rep, err := a.orch.ReconcileRunningJobs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(rep)
		},
	}
}

func auditCmd() *cobra.Command {
	var (
		storyID  string
		name     string
		minScore float64
		sources  []string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Search public sources for the story character's reference image",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(textLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.storyID(storyID)
			if err != nil {
				return err
			}
			res, err := a.orch.RunIdentityAudit(cmd.Context(), id, name, minScore, sources)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "Story id, defaults to story.id")
	cmd.Flags().StringVar(&name, "name", "", "Character name, inferred from the story when empty")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "Minimum confidence, defaults to character.min_confidence_score")
	cmd.Flags().StringSliceVar(&sources, "sources", nil, "Sources to query (web, encyclopedia, commons)")
	return cmd
}

func bindCmd() *cobra.Command {
	var (
		storyID string
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "bind",
		Short: "Bind the story character to its registry image",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(textLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.storyID(storyID)
			if err != nil {
				return err
			}
			bound, err := a.orch.AutoBindFromRegistry(cmd.Context(), id, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "bound: %t\n", bound)
			return nil
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "Story id, defaults to story.id")
	cmd.Flags().BoolVar(&force, "force", false, "Replace a running or already bound character")
	return cmd
}

func exportCmd() *cobra.Command {
	var (
		storyID string
		dryRun  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Build the run payload and upload it to object storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(textLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			id, err := a.storyID(storyID)
			if err != nil {
				return err
			}
			p, err := a.exporter.Export(cmd.Context(), id, dryRun)
			if p != nil {
				_ = printJSON(p)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&storyID, "story", "", "Story id, defaults to story.id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Build the payload without uploading")
	return cmd
}
