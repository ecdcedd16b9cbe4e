package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"x-agent-manager/domain/model"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/lock"
	"x-agent-manager/infrastructure/logger"
	httpHandler "x-agent-manager/interfaces/http"
	"x-agent-manager/server"
	"x-agent-manager/usecase"
)

type rootFlags struct {
	configPath  string
	accountDir  string
	secretsFile string
	secretsRoot string
	mode        string
	logLevel    string
	logFormat   string
}

// cliContext is shared by every subcommand; app is built in PersistentPreRunE.
type cliContext struct {
	flags   rootFlags
	app     *App
	logFile *os.File
}

// execute runs the CLI with args and always releases what PersistentPreRunE opened,
// since cobra skips post-run hooks when a command fails.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cc := &cliContext{}
	root := newRootCmd(cc)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer func() {
		if err := cc.cleanup(); err != nil {
			logger.GetLogger().WithField("error", err).Error("Error while closing application")
		}
	}()
	return root.ExecuteContext(ctx)
}

func newRootCmd(cc *cliContext) *cobra.Command {
	cc.flags.secretsRoot = "~/.secrets/x-agent-manager"
	c := &cobra.Command{
		Use:           "xam",
		Short:         "Publish queued posts to X and collect their metrics",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cc.init(cmd)
		},
	}

	pf := c.PersistentFlags()
	pf.StringVarP(&cc.flags.configPath, "config", "c", "", "config file (default: config.json lookup)")
	pf.StringVar(&cc.flags.accountDir, "account-dir", "", "account directory holding workspace/state")
	pf.StringVar(&cc.flags.secretsFile, "secrets-file", "", "env file with X_CLIENT_ID and friends")
	pf.StringVar(&cc.flags.secretsRoot, "secrets-root", cc.flags.secretsRoot, "directory of per-account secret files")
	pf.StringVar(&cc.flags.mode, "mode", "", "gateway mode (simulated|live)")
	pf.StringVarP(&cc.flags.logLevel, "log-level", "l", "", "log level (debug|info|warn|error)")
	pf.StringVar(&cc.flags.logFormat, "log-format", "", "log format (json|text)")

	c.AddCommand(
		newRunCmd(cc),
		newCycleCmd(cc),
		newEnqueueCmd(cc),
		newQueueCmd(cc),
		newPublishCmd(cc),
		newMetricsCmd(cc),
		newReportCmd(cc),
		newAuthCmd(cc),
	)
	return c
}

func (cc *cliContext) init(cmd *cobra.Command) error {
	configuration.LoadEnvFromFile(append(
		configuration.SecretFileCandidates(cc.flags.secretsRoot, cc.flags.accountDir, cc.flags.secretsFile),
		"config.env", ".env",
	)...)

	cfg, err := configuration.LoadConfig(cc.flags.configPath)
	if err != nil {
		return err
	}
	if cc.flags.accountDir != "" {
		cfg.Storage.Root = cc.flags.accountDir
	}
	if cc.flags.mode != "" {
		cfg.App.Mode = cc.flags.mode
		if cfg.App.Mode == "mock" {
			cfg.App.Mode = configuration.ModeSimulated
		}
	}
	if cc.flags.logLevel != "" {
		cfg.Logger.Level = cc.flags.logLevel
	}
	if cc.flags.logFormat != "" {
		cfg.Logger.Format = cc.flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cc.logFile, err = setupLogging(cfg.Logger, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cc.app, err = newApp(cmd.Context(), cfg)
	return err
}

func (cc *cliContext) cleanup() error {
	var err error
	if cc.app != nil {
		err = cc.app.Close()
		cc.app = nil
	}
	if cc.logFile != nil {
		_ = cc.logFile.Close()
		cc.logFile = nil
	}
	return err
}

// errorHint suggests the next step for errors a user can resolve by reconnecting.
func errorHint(err error) string {
	if model.IsRetryableAuth(err) {
		return "Hint: run `xam auth connect` (or `xam auth start` and `xam auth complete --url ...`) to authorize again."
	}
	return ""
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseNow reads an optional --now flag used to pin the clock.
func parseNow(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, &model.ValidationError{Field: "now", Message: err.Error()}
	}
	return &t, nil
}

func newRunCmd(cc *cliContext) *cobra.Command {
	var interval time.Duration
	c := &cobra.Command{
		Use:   "run",
		Short: "Run cycles on an interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if interval <= 0 {
				interval = cc.app.Config.App.CycleInterval
			}
			return runLoop(cmd.Context(), cc.app, interval)
		},
	}
	c.Flags().DurationVar(&interval, "interval", 0, "time between cycles (default app.cycle_interval)")
	return c
}

func runLoop(ctx context.Context, app *App, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-interrupt:
			logger.GetLogger().Info("Shutdown requested")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		logger.GetLogger().WithField("interval", interval.String()).Info("Starting cycle loop")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			runOnce(ctx, app)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

func runOnce(ctx context.Context, app *App) {
	run, err := app.Cycle.RunCycle(ctx, usecase.CycleOptions{})
	switch {
	case errors.Is(err, lock.ErrLocked):
		logger.GetLogger().WithField("error", err).Warn("Previous cycle still running; skipping")
	case err != nil:
		logger.GetLogger().WithField("error", err).Error("Cycle failed")
	case run.Status != model.RunStatusOK:
		logger.GetLogger().WithField("run_id", run.ID).WithField("status", run.Status).Warn("Cycle finished with errors")
	}
}

func newCycleCmd(cc *cliContext) *cobra.Command {
	var now string
	c := &cobra.Command{
		Use:   "cycle",
		Short: "Run one publish and metrics cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parseNow(now)
			if err != nil {
				return err
			}
			run, err := cc.app.Cycle.RunCycle(cmd.Context(), usecase.CycleOptions{Now: t})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), run); err != nil {
				return err
			}
			if run.Status == model.RunStatusError {
				return errors.New("cycle failed")
			}
			return nil
		},
	}
	c.Flags().StringVar(&now, "now", "", "pin the clock (RFC 3339) for due checks and post times")
	return c
}

func newEnqueueCmd(cc *cliContext) *cobra.Command {
	var at, source string
	c := &cobra.Command{
		Use:   "enqueue <text>",
		Short: "Add a post to the publish queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if at == "" {
				at = model.FormatTime(time.Now())
			}
			var item *model.QueueItem
			err := cc.app.WithLock(cmd.Context(), func(ctx context.Context) error {
				scheduled := at
				if at == scheduleNext {
					slot, err := cc.app.Schedule.NextFreeSlot(ctx, nil)
					if err != nil {
						return err
					}
					scheduled = slot
				}
				var err error
				item, err = cc.app.Queue.EnqueuePost(ctx, args[0], scheduled, source)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), item)
		},
	}
	c.Flags().StringVar(&at, "at", "", `scheduled time, RFC 3339 or "next" for the next free schedule slot (default now)`)
	c.Flags().StringVar(&source, "source", "manual", "origin tag stored with the item")
	return c
}

const scheduleNext = "next"

func newQueueCmd(cc *cliContext) *cobra.Command {
	c := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the publish queue",
	}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queue items by scheduled time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := cc.app.Queue.ListQueue(cmd.Context(), model.QueueStatus(status))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	list.Flags().StringVar(&status, "status", "", "only items with this status (queued|published|publish_failed|skipped_duplicate)")
	c.AddCommand(list)
	return c
}

func newPublishCmd(cc *cliContext) *cobra.Command {
	var (
		limit int
		now   string
	)
	c := &cobra.Command{
		Use:   "publish",
		Short: "Publish due queue items now, ignoring rate limits and the kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parseNow(now)
			if err != nil {
				return err
			}
			var summary *usecase.PublishSummary
			err = cc.app.WithLock(cmd.Context(), func(ctx context.Context) error {
				var err error
				summary, err = cc.app.Queue.PublishDue(ctx, usecase.PublishOptions{Now: t, Limit: limit})
				return err
			})
			if summary != nil {
				if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	c.Flags().IntVar(&limit, "limit", 0, "max items to process (default queue.publish_limit)")
	c.Flags().StringVar(&now, "now", "", "pin the clock (RFC 3339)")
	return c
}

func newMetricsCmd(cc *cliContext) *cobra.Command {
	var limit int
	c := &cobra.Command{
		Use:   "metrics",
		Short: "Fetch public metrics for recent posts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var summary *usecase.MetricsSummary
			err := cc.app.WithLock(cmd.Context(), func(ctx context.Context) error {
				var err error
				summary, err = cc.app.Metrics.SyncMetrics(ctx, usecase.MetricsOptions{Limit: limit})
				return err
			})
			if summary != nil {
				if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	c.Flags().IntVar(&limit, "limit", 0, "number of recent posts to consider (default queue.metrics_limit)")
	return c
}

func newReportCmd(cc *cliContext) *cobra.Command {
	c := &cobra.Command{
		Use:   "report",
		Short: "Summarize stored metrics",
	}

	var limit int
	performance := &cobra.Command{
		Use:   "performance",
		Short: "Rank recent posts by impressions and replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := cc.app.Reports.Performance(cmd.Context(), usecase.PerformanceOptions{Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rep)
		},
	}
	performance.Flags().IntVar(&limit, "limit", 0, "number of recent posts to consider (default report.performance_limit)")

	var now string
	eligibility := &cobra.Command{
		Use:   "eligibility",
		Short: "Record organic impression progress over the trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parseNow(now)
			if err != nil {
				return err
			}
			var rec *model.EligibilityRecord
			err = cc.app.WithLock(cmd.Context(), func(ctx context.Context) error {
				var err error
				rec, err = cc.app.Reports.Eligibility(ctx, usecase.EligibilityOptions{Now: t})
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	eligibility.Flags().StringVar(&now, "now", "", "pin the clock (RFC 3339)")

	followers := &cobra.Command{
		Use:   "followers <count>",
		Short: "Record the verified follower count shown in the X app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &model.ValidationError{Field: "count", Message: err.Error()}
			}
			err = cc.app.WithLock(cmd.Context(), func(ctx context.Context) error {
				return cc.app.Reports.SetVerifiedFollowers(ctx, n)
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"verified_followers": n})
		},
	}

	c.AddCommand(performance, eligibility, followers)
	return c
}

func newAuthCmd(cc *cliContext) *cobra.Command {
	c := &cobra.Command{
		Use:   "auth",
		Short: "Manage the OAuth2 credential",
	}

	var redirect string
	start := &cobra.Command{
		Use:   "start",
		Short: "Begin authorization and print the URL to open",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res *model.AuthStart
			err := cc.app.WithLock(cmd.Context(), func(ctx context.Context) error {
				var err error
				res, err = cc.app.Credentials.Start(ctx, redirect)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	start.Flags().StringVar(&redirect, "redirect-uri", "", "override oauth.redirect_uri")

	var code, state, callbackURL string
	complete := &cobra.Command{
		Use:   "complete",
		Short: "Exchange an authorization code for a credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if callbackURL != "" {
				parsedCode, parsedState, err := httpHandler.ParseAuthCallback(callbackURL)
				if err != nil {
					return err
				}
				code = parsedCode
				if parsedState != "" {
					state = parsedState
				}
			}
			status, err := lockedCompleter{app: cc.app}.Complete(cmd.Context(), code, state)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
	complete.Flags().StringVar(&code, "code", "", "authorization code")
	complete.Flags().StringVar(&state, "state", "", "state returned with the code")
	complete.Flags().StringVar(&callbackURL, "url", "", "full callback URL pasted from the browser")

	var connectRedirect string
	connect := &cobra.Command{
		Use:   "connect",
		Short: "Authorize through a local callback server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return connectAccount(cmd.Context(), cc.app, connectRedirect, cmd.OutOrStdout())
		},
	}
	connect.Flags().StringVar(&connectRedirect, "redirect-uri", "", "override oauth.redirect_uri")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show whether a credential is stored and when it expires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := cc.app.Credentials.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Force a refresh_token grant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st *model.CredentialStatus
			err := cc.app.WithLock(cmd.Context(), func(ctx context.Context) error {
				var err error
				st, err = cc.app.Credentials.Refresh(ctx, usecase.RefreshReasonManual)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Delete the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cc.app.WithLock(cmd.Context(), cc.app.Credentials.Revoke); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"revoked": true})
		},
	}

	c.AddCommand(start, complete, connect, status, refresh, revoke)
	return c
}

// connectAccount starts authorization, serves the redirect URI locally and
// waits for the provider callback, an interrupt or the callback timeout.
func connectAccount(ctx context.Context, app *App, redirect string, out io.Writer) error {
	var started *model.AuthStart
	err := app.WithLock(ctx, func(ctx context.Context) error {
		var err error
		started, err = app.Credentials.Start(ctx, redirect)
		return err
	})
	if err != nil {
		return err
	}
	u, err := url.Parse(started.RedirectURI)
	if err != nil {
		return &model.ValidationError{Field: "redirect_uri", Message: err.Error()}
	}
	if u.Port() == "" {
		return &model.ValidationError{Field: "redirect_uri", Message: "must include a port for the local callback server"}
	}

	handler := httpHandler.NewOAuthCallbackHandler(lockedCompleter{app: app}, started.State)
	router := server.InitiateRouter(u.Path, handler)
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(u.Hostname(), u.Port()),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(out, "Open this URL in a browser to authorize:\n\n%s\n\nWaiting for callback on %s ...\n", started.AuthURL, started.RedirectURI)

	ctx, cancel := context.WithTimeout(ctx, app.Config.OAuth.CallbackTimeout)
	defer cancel()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var result httpHandler.CallbackResult
	select {
	case result = <-handler.Done():
	case <-interrupt:
		result.Err = errors.New("interrupted before the callback arrived")
	case <-gctx.Done():
		result.Err = fmt.Errorf("no callback within %s", app.Config.OAuth.CallbackTimeout)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("callback server: %w", err)
	}
	if result.Err != nil {
		return result.Err
	}
	return printJSON(out, result.Status)
}

// lockedCompleter exchanges the authorization code while holding the state lock.
type lockedCompleter struct {
	app *App
}

func (c lockedCompleter) Complete(ctx context.Context, code, state string) (*model.CredentialStatus, error) {
	var status *model.CredentialStatus
	err := c.app.WithLock(ctx, func(ctx context.Context) error {
		var err error
		status, err = c.app.Credentials.Complete(ctx, code, state)
		return err
	})
	return status, err
}

func (c lockedCompleter) Status(ctx context.Context) (*model.CredentialStatus, error) {
	return c.app.Credentials.Status(ctx)
}
