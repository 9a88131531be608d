package telegraph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/zulandar/secretary/internal/config"
	"github.com/zulandar/secretary/internal/jobs"
	"github.com/zulandar/secretary/internal/logging"
)

// stagingMaxAge is how long an uploaded image may sit in the staging
// directory before the sweep removes it.
const stagingMaxAge = 24 * time.Hour

// Daemon is the main bot process. It connects to a chat platform via an
// Adapter, pumps inbound messages to the Router, and runs the maintenance
// schedule.
type Daemon struct {
	adapter      Adapter
	router       *Router
	stagingDir   string
	schedule     config.ScheduleConfig
	idleTimeout  time.Duration
	jobTimeout   time.Duration
	keepaliveURL string
	client       *http.Client
	log          *zap.Logger
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter      Adapter
	Router       *Router
	StagingDir   string
	Schedule     config.ScheduleConfig
	IdleTimeout  time.Duration
	JobTimeout   time.Duration
	KeepaliveURL string
	HTTPClient   *http.Client // defaults to a client with a 30s timeout
	Logger       *zap.Logger
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: adapter is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("telegraph: router is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Daemon{
		adapter:      opts.Adapter,
		router:       opts.Router,
		stagingDir:   opts.StagingDir,
		schedule:     opts.Schedule,
		idleTimeout:  opts.IdleTimeout,
		jobTimeout:   opts.JobTimeout,
		keepaliveURL: opts.KeepaliveURL,
		client:       client,
		log:          logging.OrNop(opts.Logger).Named("daemon"),
	}, nil
}

// Run connects the adapter, starts the schedule and blocks until the context
// is cancelled or the adapter closes its inbound channel. On return every
// queued message has been handled, in-flight jobs are discarded and the
// adapter is closed.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("connecting")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("telegraph: connect: %w", err)
	}

	if bui, ok := d.adapter.(BotUserIDer); ok && d.router.botUserID == "" {
		d.router.botUserID = bui.BotUserID()
	}

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		d.adapter.Close()
		return fmt.Errorf("telegraph: listen: %w", err)
	}

	sched := newCron(d.log.Named("cron"))
	if err := d.registerJobs(ctx, sched); err != nil {
		d.adapter.Close()
		return err
	}
	sched.Start()

	disp := newDispatcher(d.router.Handle)
	d.log.Info("online")

	defer func() {
		<-sched.Stop().Done()
		if err := d.adapter.Close(); err != nil {
			d.log.Warn("close adapter", zap.Error(err))
		}
		disp.Wait()
		d.router.Shutdown()
		d.log.Info("stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("shutting down")
			return nil
		case msg, ok := <-inbound:
			if !ok {
				d.log.Info("inbound channel closed")
				return nil
			}
			disp.Dispatch(ctx, msg)
		}
	}
}

// registerJobs adds every configured maintenance job to c. Empty
// expressions disable their job.
func (d *Daemon) registerJobs(ctx context.Context, c *cron.Cron) error {
	tasks := []struct {
		name string
		expr string
		run  func(context.Context)
	}{
		{"staging-sweep", d.schedule.StagingSweep, d.sweepStaging},
		{"state-sweep", d.schedule.StateSweep, d.sweepStates},
		{"keepalive", d.schedule.Keepalive, d.keepalive},
	}
	for _, j := range tasks {
		if j.expr == "" {
			continue
		}
		if j.name == "keepalive" && d.keepaliveURL == "" {
			continue
		}
		run := j.run
		if _, err := c.AddFunc(j.expr, func() { run(ctx) }); err != nil {
			return fmt.Errorf("telegraph: schedule %s: %w", j.name, err)
		}
		d.log.Info("scheduled", zap.String("job", j.name), zap.String("cron", j.expr))
	}
	return nil
}

func (d *Daemon) sweepStaging(context.Context) {
	if d.stagingDir == "" {
		return
	}
	n, err := jobs.SweepOlderThan(d.stagingDir, stagingMaxAge, time.Now())
	if err != nil {
		d.log.Warn("staging sweep", zap.Error(err))
		return
	}
	if n > 0 {
		d.log.Info("staging sweep", zap.Int("removed", n))
	}
}

func (d *Daemon) sweepStates(ctx context.Context) {
	processing := 2 * d.jobTimeout
	n, err := d.router.SweepStates(ctx, time.Now(), d.idleTimeout, processing)
	if err != nil {
		d.log.Warn("state sweep", zap.Error(err))
	}
	if n > 0 {
		d.log.Info("state sweep", zap.Int("cleared", n))
	}
}

// keepalive pings the configured URL so hosted instances are not idled.
func (d *Daemon) keepalive(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.keepaliveURL, nil)
	if err != nil {
		d.log.Warn("keepalive", zap.Error(err))
		return
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("keepalive", zap.String("url", d.keepaliveURL), zap.Error(err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	d.log.Debug("keepalive", zap.Int("status", resp.StatusCode))
}
