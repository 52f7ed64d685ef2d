// Command streamagencyd is the CLI surface for the Stream Agency
// daemon: init-db, enroll, enroll-from-pem, pause, resume, remove,
// tick, run, api, report, attempts, billing-attempts. Adapted from
// cmd/api/main.go's bootstrap shape (construct store, construct
// services, wire, run) onto a urfave/cli/v2 multi-command app, since
// this daemon is operated from a terminal rather than only over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"streamagency/internal/admin"
	"streamagency/internal/agency"
	"streamagency/internal/config"
	"streamagency/internal/epoch"
	"streamagency/internal/httpapi"
	"streamagency/internal/scheduler"
	"streamagency/internal/settlement"
	"streamagency/internal/store"
	"streamagency/internal/streamclient"
	"streamagency/internal/walletpem"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	defaults := config.Defaults()

	globalFlags := []cli.Flag{
		&cli.StringFlag{Name: "db", Value: defaults.DBPath, EnvVars: []string{"STREAM_AGENCY_DB"}, Usage: "path to the SQLite database file"},
		&cli.StringFlag{Name: "stream-url", Value: defaults.StreamURL, EnvVars: []string{"STREAM_URL"}},
		&cli.StringFlag{Name: "epoch-base-url", Value: defaults.EpochBaseURL, EnvVars: []string{"EPOCH_BASE_URL"}},
		&cli.Int64Flag{Name: "lead-seconds", Value: defaults.LeadSeconds, EnvVars: []string{"LEAD_SECONDS"}},
		&cli.Int64Flag{Name: "jitter-seconds", Value: defaults.JitterSeconds, EnvVars: []string{"JITTER_SECONDS"}},
		&cli.Float64Flag{Name: "reward-per-window", Value: defaults.RewardPerWindow, EnvVars: []string{"REWARD_PER_WINDOW"}},
		&cli.DurationFlag{Name: "poll-interval", Value: defaults.PollInterval, EnvVars: []string{"POLL_INTERVAL"}},
		&cli.BoolFlag{Name: "billing", Usage: "enable the epoch oracle + settlement pass", EnvVars: []string{"BILLING_ENABLED"}},
		&cli.StringFlag{Name: "settlement-bin", Value: defaults.SettlementBin, EnvVars: []string{"SETTLEMENT_BIN"}},
		&cli.StringFlag{Name: "escrow-contract", EnvVars: []string{"ESCROW_CONTRACT"}},
		&cli.StringFlag{Name: "operator-pem", EnvVars: []string{"OPERATOR_PEM"}},
		&cli.StringFlag{Name: "proxy-url", Value: defaults.EpochBaseURL, EnvVars: []string{"PROXY_URL"}},
		&cli.StringFlag{Name: "chain-id", EnvVars: []string{"CHAIN_ID"}},
		&cli.Uint64Flag{Name: "gas-limit", EnvVars: []string{"GAS_LIMIT"}},
		&cli.Uint64Flag{Name: "gas-price", EnvVars: []string{"GAS_PRICE"}},
		&cli.StringFlag{Name: "http-addr", Value: defaults.HTTPAddr, EnvVars: []string{"HTTP_ADDR"}},
		&cli.StringFlag{Name: "bearer-token", EnvVars: []string{"ADMIN_BEARER_TOKEN"}},
	}

	return &cli.App{
		Name:  "streamagencyd",
		Usage: "keeps a fleet of agents enrolled in a remote stream service and settles usage on-chain",
		Flags: globalFlags,
		Commands: []*cli.Command{
			initDBCommand(),
			enrollCommand(),
			enrollFromPemCommand(),
			pauseCommand(),
			resumeCommand(),
			removeCommand(),
			tickCommand(),
			runCommand(),
			apiCommand(),
			reportCommand(),
			attemptsCommand(),
			billingAttemptsCommand(),
		},
	}
}

func cfgFromFlags(c *cli.Context) config.Config {
	cfg := config.Config{
		DBPath:          c.String("db"),
		StreamURL:       c.String("stream-url"),
		EpochBaseURL:    c.String("epoch-base-url"),
		LeadSeconds:     c.Int64("lead-seconds"),
		JitterSeconds:   c.Int64("jitter-seconds"),
		RewardPerWindow: c.Float64("reward-per-window"),
		PollInterval:    c.Duration("poll-interval"),
		BillingEnabled:  c.Bool("billing"),
		SettlementBin:   c.String("settlement-bin"),
		EscrowContract:  c.String("escrow-contract"),
		OperatorPemPath: c.String("operator-pem"),
		ProxyURL:        c.String("proxy-url"),
		ChainID:         c.String("chain-id"),
		GasLimit:        c.Uint64("gas-limit"),
		GasPrice:        c.Uint64("gas-price"),
		HTTPAddr:        c.String("http-addr"),
		BearerToken:     c.String("bearer-token"),
	}
	return cfg
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

// buildScheduler wires Store + Stream Client + Epoch Oracle + Settlement
// Executor into a Scheduler, per cfg. The Epoch Oracle and Settlement
// Executor are only required when billing is enabled.
func buildScheduler(cfg config.Config, st *store.Store, log *slog.Logger) (*scheduler.Scheduler, error) {
	var oracle scheduler.EpochReader
	var biller scheduler.Biller

	if cfg.BillingEnabled {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		oracle = epoch.New()
		ex, err := settlement.New(settlement.Config{
			BinaryPath:      cfg.SettlementBin,
			ContractAddress: cfg.EscrowContract,
			OperatorPemPath: cfg.OperatorPemPath,
			ProxyURL:        cfg.ProxyURL,
			ChainID:         cfg.ChainID,
			GasLimit:        cfg.GasLimit,
			GasPrice:        cfg.GasPrice,
		})
		if err != nil {
			return nil, err
		}
		biller = ex
	}

	sched := scheduler.New(st, streamclient.New(), oracle, biller, scheduler.Config{
		StreamURL:       cfg.StreamURL,
		EpochBaseURL:    cfg.EpochBaseURL,
		LeadSeconds:     cfg.LeadSeconds,
		JitterSeconds:   cfg.JitterSeconds,
		RewardPerWindow: cfg.RewardPerWindow,
		BillingEnabled:  cfg.BillingEnabled,
		PollInterval:    cfg.PollInterval,
	}, log)
	return sched, nil
}

func openStore(c *cli.Context) (*store.Store, config.Config, error) {
	cfg := cfgFromFlags(c)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, cfg, err
	}
	return st, cfg, nil
}

func initDBCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-db",
		Usage: "create the SQLite database and schema if they do not exist",
		Action: func(c *cli.Context) error {
			st, _, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()
			fmt.Println("database initialized")
			return nil
		},
	}
}

func enrollCommand() *cli.Command {
	return &cli.Command{
		Name:  "enroll",
		Usage: "enroll or update an agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Required: true},
			&cli.StringFlag{Name: "signature", Required: true},
			&cli.IntFlag{Name: "fee-bps", Value: 0},
			&cli.BoolFlag{Name: "probe", Usage: "verify enrollment with a live stream call"},
		},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			agent, err := surface.Enroll(context.Background(), admin.EnrollParams{
				Address:   c.String("address"),
				Signature: c.String("signature"),
				FeeBps:    c.Int("fee-bps"),
				Probe:     c.Bool("probe"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("enrolled %s (status=%s, fee_bps=%d)\n", agent.Address, agent.Status, agent.FeeBps)
			return nil
		},
	}
}

func enrollFromPemCommand() *cli.Command {
	return &cli.Command{
		Name:  "enroll-from-pem",
		Usage: "derive an address and signature from a wallet PEM file, then enroll",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pem", Required: true},
			&cli.IntFlag{Name: "fee-bps", Value: 0},
			&cli.BoolFlag{Name: "probe"},
		},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			address, signature, err := walletpem.Derive(context.Background(), cfg.SettlementBin, c.String("pem"))
			if err != nil {
				return err
			}

			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			agent, err := surface.Enroll(context.Background(), admin.EnrollParams{
				Address: address, Signature: signature, FeeBps: c.Int("fee-bps"), Probe: c.Bool("probe"),
			})
			if err != nil {
				return err
			}
			fmt.Printf("enrolled %s (status=%s, fee_bps=%d)\n", agent.Address, agent.Status, agent.FeeBps)
			return nil
		},
	}
}

func pauseCommand() *cli.Command {
	return &cli.Command{
		Name:  "pause",
		Usage: "pause an agent",
		Flags: []cli.Flag{&cli.StringFlag{Name: "address", Required: true}},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()
			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			if err := surface.Pause(context.Background(), c.String("address")); err != nil {
				return err
			}
			fmt.Println("paused")
			return nil
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "resume an agent",
		Flags: []cli.Flag{&cli.StringFlag{Name: "address", Required: true}},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()
			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			if err := surface.Resume(context.Background(), c.String("address")); err != nil {
				return err
			}
			fmt.Println("resumed")
			return nil
		},
	}
}

func removeCommand() *cli.Command {
	return &cli.Command{
		Name:  "remove",
		Usage: "remove an agent and all of its dependent rows",
		Flags: []cli.Flag{&cli.StringFlag{Name: "address", Required: true}},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()
			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			if err := surface.Remove(context.Background(), c.String("address")); err != nil {
				return err
			}
			fmt.Println("removed")
			return nil
		},
	}
}

func tickCommand() *cli.Command {
	return &cli.Command{
		Name:  "tick",
		Usage: "run one scheduler tick and print the result",
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			sched, err := buildScheduler(cfg, st, newLogger())
			if err != nil {
				return err
			}
			result, err := sched.Tick(context.Background())
			if err != nil {
				return err
			}
			printTickResult(result)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the scheduler loop until interrupted",
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			sched, err := buildScheduler(cfg, st, newLogger())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			stop := make(chan struct{})
			go waitForSignal(cancel)

			return sched.Run(ctx, stop)
		},
	}
}

func apiCommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "run the admin HTTP API, optionally with the scheduler loop in the same process",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "with-scheduler", Usage: "also run the scheduler poll loop in this process"},
		},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()

			log := newLogger()
			var sched *scheduler.Scheduler
			if c.Bool("with-scheduler") {
				sched, err = buildScheduler(cfg, st, log)
				if err != nil {
					return err
				}
			}

			surface := admin.New(st, streamclient.New(), sched, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			httpServer := httpapi.New(surface, cfg.BearerToken, log)

			return serveWithScheduler(cfg, httpServer, sched)
		},
	}
}

// serveWithScheduler runs the HTTP server and (if present) the
// scheduler loop concurrently via errgroup, and shuts the HTTP server
// down first on cancellation, then signals the scheduler and lets it
// finish its current tick — the ordering spec §5 requires.
func serveWithScheduler(cfg config.Config, h *httpapi.Server, sched *scheduler.Scheduler) error {
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: h}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go waitForSignal(cancel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	stop := make(chan struct{})
	if sched != nil {
		g.Go(func() error {
			return sched.Run(gctx, stop)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		close(stop)
		return nil
	})

	return g.Wait()
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "print every enrolled agent",
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()
			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			agents, err := surface.Report(context.Background())
			if err != nil {
				return err
			}
			printReport(agents)
			return nil
		},
	}
}

func attemptsCommand() *cli.Command {
	return &cli.Command{
		Name:  "attempts",
		Usage: "print recent stream attempts for one agent",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Required: true},
			&cli.IntFlag{Name: "limit", Value: 20},
		},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()
			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			attempts, err := surface.ListAttempts(context.Background(), c.String("address"), c.Int("limit"))
			if err != nil {
				return err
			}
			printAttempts(attempts)
			return nil
		},
	}
}

func billingAttemptsCommand() *cli.Command {
	return &cli.Command{
		Name:  "billing-attempts",
		Usage: "print recent billing attempts across all agents",
		Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
		Action: func(c *cli.Context) error {
			st, cfg, err := openStore(c)
			if err != nil {
				return err
			}
			defer st.Close()
			surface := admin.New(st, streamclient.New(), nil, cfg.StreamURL, cfg.LeadSeconds, cfg.JitterSeconds)
			attempts, err := surface.ListBillingAttempts(context.Background(), c.Int("limit"))
			if err != nil {
				return err
			}
			printBillingAttempts(attempts)
			return nil
		},
	}
}

func printTickResult(r scheduler.TickResult) {
	epochStr := "unknown"
	if r.ChainEpoch != nil {
		epochStr = fmt.Sprintf("%d", *r.ChainEpoch)
	}
	fmt.Printf("tick: chain_epoch=%s agents_due=%d arm_success=%d resync=%d backoff=%d billing_checked=%d billing_ok=%d billing_failed=%d\n",
		epochStr, r.AgentsDue, r.ArmSuccesses, r.ReSyncs, r.Backoffs, r.BillingChecked, r.BillingOK, r.BillingFailed)
	if r.EpochError != "" {
		fmt.Printf("epoch_error: %s\n", r.EpochError)
	}
}

func printReport(agents []agency.Agent) {
	fmt.Printf("%-48s %-10s %-6s %-10s %-10s %s\n", "address", "status", "fee", "success", "failure", "fee_due")
	for _, a := range agents {
		fmt.Printf("%-48s %-10s %-6d %-10d %-10d %.4f\n", a.Address, a.Status, a.FeeBps, a.SuccessCount, a.FailureCount, a.FeeDueClaw)
	}
}

func printAttempts(attempts []agency.StreamAttempt) {
	for _, a := range attempts {
		end := "-"
		if a.EndStreamMs != nil {
			end = fmt.Sprintf("%d", *a.EndStreamMs)
		}
		fmt.Printf("attempted_ms=%d ok=%t status=%d end_stream_ms=%s reason=%q\n", a.AttemptedMs, a.OK, a.StatusCode, end, a.Reason)
	}
}

func printBillingAttempts(attempts []agency.BillingAttempt) {
	for _, b := range attempts {
		fmt.Printf("agent_id=%d epoch=%d windows=%d ok=%t return_code=%d\n", b.AgentID, b.Epoch, b.Windows, b.OK, b.ReturnCode)
	}
}

func waitForSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Println("shutdown signal received")
	cancel()
}
