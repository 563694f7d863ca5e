package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tastythames/ssh-fleet/internal/inventory"
	"github.com/tastythames/ssh-fleet/internal/metrics"
	"github.com/tastythames/ssh-fleet/internal/scheduler"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

func newRootCmd() *cobra.Command {
	var level string
	root := &cobra.Command{
		Use:           "ssh-fleet",
		Short:         "ssh-fleet runs batches of shell jobs over a fleet of SSH hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			lvl, err := log.ParseLevel(level)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", getenv("FLEET_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand((&runCmd{}).command())
	return root
}

type runCmd struct {
	inventory     string
	jobs          string
	output        string
	listen        string
	localAttempts int
	globalPasses  int
	jobTimeout    time.Duration
	remoteRoot    string
	scratchPrefix string
	coreDir       string
}

func (c *runCmd) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run every job in the jobs file and write the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&c.inventory, "inventory", getenv("FLEET_INVENTORY", "deploy/fleet.example.yaml"), "fleet inventory file")
	f.StringVar(&c.jobs, "jobs", getenv("FLEET_JOBS", "deploy/jobs.example.yaml"), "jobs file")
	f.StringVarP(&c.output, "output", "o", "-", "results file, - for stdout")
	f.StringVar(&c.listen, "listen", getenv("FLEET_LISTEN", ""), "serve /health and /metrics on this address while running")
	f.IntVar(&c.localAttempts, "local-attempts", scheduler.DefaultLocalAttempts, "attempts per job per pass")
	f.IntVar(&c.globalPasses, "global-passes", scheduler.DefaultGlobalPasses, "passes over the failing jobs")
	f.DurationVar(&c.jobTimeout, "job-timeout", 0, "bound on one remote command, 0 for none")
	f.StringVar(&c.remoteRoot, "remote-root", scheduler.DefaultRemoteRoot, "remote directory holding scratch directories")
	f.StringVar(&c.scratchPrefix, "scratch-prefix", scheduler.DefaultScratchPrefix, "scratch directory name prefix")
	f.StringVar(&c.coreDir, "core-dir", scheduler.DefaultCoreDir, "remote directory for the core package")
	return cmd
}

func (c *runCmd) run(ctx context.Context, stdout io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("config: inventory=%s jobs=%s listen=%q", c.inventory, c.jobs, c.listen)

	inv, err := inventory.Load(c.inventory)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	hosts, err := inv.Hosts()
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	jobs, err := inventory.LoadJobs(c.jobs)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if c.listen != "" {
		srv := serveMetrics(c.listen, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sched, err := scheduler.New(ctx, scheduler.Options{
		Hosts:         hosts,
		Jobs:          jobs,
		CorePackage:   inv.CorePackage,
		Dial:          scheduler.SSHDialer(sshclient.LoadConfig()),
		LocalAttempts: c.localAttempts,
		GlobalPasses:  c.globalPasses,
		JobTimeout:    c.jobTimeout,
		RemoteRoot:    c.remoteRoot,
		ScratchPrefix: c.scratchPrefix,
		CoreDir:       c.coreDir,
		Metrics:       metrics.New(reg),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sched.Close(); err != nil {
			log.Warnf("close fleet: %v", err)
		}
	}()

	report, runErr := sched.Start(ctx)
	if err := c.writeResults(stdout, report); err != nil {
		return err
	}
	log.Printf("done: %d succeeded, %d failed in %d passes (avg %s, max %s)",
		report.Succeeded, report.Failed, report.Passes,
		report.AvgElapsed.Round(time.Millisecond), report.MaxElapsed.Round(time.Millisecond))
	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	return nil
}

func (c *runCmd) writeResults(stdout io.Writer, report *scheduler.Report) error {
	if c.output == "-" {
		return inventory.WriteResults(stdout, report)
	}
	f, err := os.Create(c.output)
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	if err := inventory.WriteResults(f, report); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func serveMetrics(listen string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{
		Addr:    listen,
		Handler: newRouter(reg),
	}

	go func() {
		log.Printf("ssh-fleet listening on %s", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("listen: %v", err)
		}
	}()
	return srv
}

func newRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return r
}
