package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dkorolev/jobrelay/app/backlog"
	"github.com/dkorolev/jobrelay/app/conditions"
	"github.com/dkorolev/jobrelay/app/delivery"
	"github.com/dkorolev/jobrelay/app/notify"
	"github.com/dkorolev/jobrelay/app/orchestrator"
	"github.com/dkorolev/jobrelay/app/persistence"
	"github.com/dkorolev/jobrelay/app/poller"
	"github.com/dkorolev/jobrelay/app/store"
	"github.com/dkorolev/jobrelay/app/web"
)

var opts struct {
	Listen      string  `short:"l" long:"listen" env:"JOBRELAY_LISTEN" default:":8080" description:"listen address"`
	Workers     int     `long:"workers" env:"JOBRELAY_WORKERS" default:"8" description:"max concurrent job executions"`
	DefaultJob  string  `long:"default-job" env:"JOBRELAY_DEFAULT_JOB" default:"greet" description:"job function for submissions without one"`
	SubmitLimit float64 `long:"submit-limit" env:"JOBRELAY_SUBMIT_LIMIT" default:"100" description:"job submissions per second per client"`
	Dbg         bool    `long:"dbg" env:"JOBRELAY_DEBUG" description:"debug mode"`

	Poll struct {
		Interval time.Duration `long:"interval" env:"INTERVAL" default:"15s" description:"delivery poll interval"`
	} `group:"poll" namespace:"poll" env-namespace:"JOBRELAY_POLL"`

	Delivery struct {
		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"15s" description:"callback call timeout"`
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to repeat failed delivery within one cycle"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial backoff duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"backoff jitter"`
	} `group:"delivery" namespace:"delivery" env-namespace:"JOBRELAY_DELIVERY"`

	History struct {
		Enabled         bool          `long:"enabled" env:"ENABLED" description:"enable delivery attempts history"`
		DB              string        `long:"db" env:"DB" default:"jobrelay.db" description:"sqlite database for delivery history"`
		Keep            time.Duration `long:"keep" env:"KEEP" default:"168h" description:"how long to keep delivery attempts"`
		CleanupSchedule string        `long:"cleanup-schedule" env:"CLEANUP_SCHEDULE" default:"@daily" description:"cron spec for history cleanup"`
	} `group:"history" namespace:"history" env-namespace:"JOBRELAY_HISTORY"`

	Retention struct {
		ReapAge  time.Duration `long:"reap-age" env:"REAP_AGE" default:"24h" description:"drop terminal records never delivered after this age"`
		Schedule string        `long:"schedule" env:"SCHEDULE" default:"@every 1h" description:"cron spec for the reaper"`
	} `group:"retention" namespace:"retention" env-namespace:"JOBRELAY_RETENTION"`

	Conditions struct {
		File                string `long:"file" env:"FILE" description:"yaml file with execution conditions"`
		MaxConcurrentChecks int    `long:"max-concurrent-checks" env:"MAX_CONCURRENT_CHECKS" default:"10" description:"max parallel condition checks"`
	} `group:"conditions" namespace:"conditions" env-namespace:"JOBRELAY_CONDITIONS"`

	Notify struct {
		EnabledError bool     `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed jobs"`
		FromEmail    string   `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails     []string `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		SMTPHost     string   `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort     int      `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername string   `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword string   `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS      bool     `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS bool     `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`

		SlackToken    string   `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels []string `long:"slack-channels" env:"SLACK_CHANNELS" description:"slack channels" env-delim:","`

		TelegramToken        string   `long:"telegram-token" env:"TELEGRAM_TOKEN" description:"telegram token"`
		TelegramDestinations []string `long:"telegram-destinations" env:"TELEGRAM_DESTINATIONS" description:"telegram chat ids" env-delim:","`

		WebhookURLs []string `long:"webhook-urls" env:"WEBHOOK_URLS" description:"notification webhook url(s)" env-delim:","`

		Timeout  time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification send timeout"`
		HostName string        `long:"host" env:"HOSTNAME" description:"host name running jobrelay"`
	} `group:"notify" namespace:"notify" env-namespace:"JOBRELAY_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"jobrelay.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"maximum log size in megabytes before rotation"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"maximum number of old log files to retain"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"maximum number of days to retain old log files"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of rotated log files"`
	} `group:"log" namespace:"log" env-namespace:"JOBRELAY_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("jobrelay %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	logOut := setupLogs()
	if closer, ok := logOut.(io.Closer); ok && logOut != os.Stdout {
		defer closer.Close()
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] jobrelay failed, %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	jobStore := store.New()
	queue := backlog.New(0)

	var history *persistence.SQLiteStore
	var recorder delivery.Recorder
	var historyReader web.History
	if opts.History.Enabled {
		var err error
		history, err = persistence.NewSQLiteStore(opts.History.DB)
		if err != nil {
			return fmt.Errorf("failed to open delivery history: %w", err)
		}
		defer history.Close()
		recorder, historyReader = history, history
	}

	rptr := repeater.New(&strategy.Backoff{Repeats: opts.Delivery.Attempts, Duration: opts.Delivery.Duration,
		Factor: opts.Delivery.Factor, Jitter: opts.Delivery.Jitter})
	deliverer := delivery.New(opts.Delivery.Timeout, rptr, recorder)

	orch := &orchestrator.Orchestrator{
		Queue:     queue,
		Storage:   jobStore,
		Deliverer: deliverer,
		Funcs:     orchestrator.NewRegistry(),
		Workers:   opts.Workers,
	}

	if notifier := makeNotifier(); notifier != nil {
		log.Printf("[INFO] %s", notifier)
		orch.Notifier = notifier
		orch.NotifyTimeout = opts.Notify.Timeout
	}

	if opts.Conditions.File != "" {
		cfg, err := conditions.Load(opts.Conditions.File)
		if err != nil {
			return fmt.Errorf("failed to load conditions: %w", err)
		}
		orch.Conditions = cfg
		orch.ConditionChecker = conditions.NewChecker(opts.Conditions.MaxConcurrentChecks)
		log.Printf("[INFO] execution conditions loaded from %s", opts.Conditions.File)
	}

	orch.Activate(ctx)

	scheduler, err := makeScheduler(jobStore, orch, history)
	if err != nil {
		return fmt.Errorf("failed to make maintenance scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	p := poller.Poller{Relay: orch, Interval: opts.Poll.Interval}
	go func() {
		if err := p.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] poller failed, %v", err)
		}
	}()

	srv := web.New(web.Config{
		Relay:       orch,
		History:     historyReader,
		Version:     revision,
		DefaultJob:  opts.DefaultJob,
		SubmitLimit: opts.SubmitLimit,
	})
	err = srv.Run(ctx, opts.Listen)

	orch.Wait() // let in-flight jobs finish before dropping the store
	return err
}

// makeScheduler wires periodic maintenance: reaping of terminal records that
// were never delivered and cleanup of old delivery history
func makeScheduler(jobStore *store.Store, orch *orchestrator.Orchestrator, history *persistence.SQLiteStore) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(opts.Retention.Schedule, func() {
		reaped := jobStore.ReapTerminal(opts.Retention.ReapAge)
		for _, token := range reaped {
			orch.Forget(token)
		}
		if len(reaped) > 0 {
			log.Printf("[INFO] reaped %d stale terminal records", len(reaped))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.Retention.Schedule, err)
	}

	if history != nil {
		_, err = c.AddFunc(opts.History.CleanupSchedule, func() {
			removed, cleanupErr := history.CleanupOld(opts.History.Keep)
			if cleanupErr != nil {
				log.Printf("[WARN] history cleanup failed, %v", cleanupErr)
				return
			}
			if removed > 0 {
				log.Printf("[INFO] removed %d old delivery attempts", removed)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("invalid history cleanup schedule %q: %w", opts.History.CleanupSchedule, err)
		}
	}

	return c, nil
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "jobrelay@" + makeHostName()
	}

	return notify.NewService(notify.SendersParams{
		FromEmail:    opts.Notify.FromEmail,
		ToEmails:     opts.Notify.ToEmails,
		SMTPHost:     opts.Notify.SMTPHost,
		SMTPPort:     opts.Notify.SMTPPort,
		SMTPUsername: opts.Notify.SMTPUsername,
		SMTPPassword: opts.Notify.SMTPPassword,
		SMTPTLS:      opts.Notify.SMTPTLS,
		SMTPStartTLS: opts.Notify.SMTPStartTLS,

		SlackToken:    opts.Notify.SlackToken,
		SlackChannels: opts.Notify.SlackChannels,

		TelegramToken:        opts.Notify.TelegramToken,
		TelegramDestinations: opts.Notify.TelegramDestinations,

		WebhookURLs: opts.Notify.WebhookURLs,

		Timeout: opts.Notify.Timeout,
	})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(os.Stdout), log.Msec)
		if opts.Dbg {
			log.Setup(log.Debug, log.Msec, log.CallerFunc, log.CallerPkg, log.CallerFile)
		}
		return os.Stdout
	}

	fileWriter := &lumberjack.Logger{
		Filename:   opts.Log.Filename,
		MaxSize:    opts.Log.MaxSize,
		MaxBackups: opts.Log.MaxBackups,
		MaxAge:     opts.Log.MaxAge,
		Compress:   opts.Log.EnabledCompress,
	}

	logOpts := []log.Option{log.Out(fileWriter), log.Msec}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return fileWriter
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM or SIGINT
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
