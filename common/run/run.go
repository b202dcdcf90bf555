package run

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/getsentry/sentry-go"
	"github.com/heraldbot/herald/common"
	"github.com/heraldbot/herald/common/config"
	"github.com/heraldbot/herald/common/sentryhook"
	"github.com/heraldbot/herald/feeds"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

var (
	flagRunWorker    bool
	flagRunScheduler bool
	flagRunAll       bool

	flagDryRun       bool
	flagLogTimestamp bool
	flagVersion      bool
)

var (
	confSentryDSN   = config.RegisterOption("herald.sentry_dsn", "Sentry credentials for the sentry logging hook", "")
	confMetricsAddr = config.RegisterOption("herald.metrics_addr", "Address for the prometheus metrics listener", "localhost:5004")
)

// SchedulerPlugin is implemented by plugins that register recurring jobs,
// invoked by the short-lived -scheduler process.
type SchedulerPlugin interface {
	ScheduleJobs() error
}

func init() {
	flag.BoolVar(&flagRunWorker, "worker", false, "Run the feed workers consuming the job queue")
	flag.BoolVar(&flagRunScheduler, "scheduler", false, "Register the recurring jobs and exit")
	flag.BoolVar(&flagRunAll, "all", false, "Run everything (scheduler registration + workers)")
	flag.BoolVar(&flagDryRun, "dry", false, "Do a dry run, initialize all plugins but don't start anything")
	flag.BoolVar(&flagLogTimestamp, "ts", false, "Set to include timestamps in log")
	flag.BoolVar(&flagVersion, "version", false, "Print the version and exit")
}

func Init() {
	if !flag.Parsed() {
		flag.Parse()
	}

	if flagVersion {
		fmt.Println(common.VERSION)
		os.Exit(0)
	}

	common.AddLogHook(common.ContextHook{})
	common.SetLogFormatter(&log.TextFormatter{
		DisableTimestamp: !flagLogTimestamp,
	})

	if !flagRunWorker && !flagRunScheduler && !flagRunAll && !flagDryRun {
		log.Error("Didn't specify what to run, see -h for more info")
		os.Exit(1)
	}

	log.Info("Starting herald version " + common.VERSION)

	err := common.CoreInit(true)
	if err != nil {
		log.WithError(err).Fatal("Failed running core init")
	}

	if confSentryDSN.GetString() != "" {
		addSentryHook()
	}

	err = common.Init()
	if err != nil {
		log.WithError(err).Fatal("Failed initializing")
	}
}

func Run() {
	if flagDryRun {
		log.Println("This is a dry run, exiting")
		return
	}

	if flagRunScheduler || flagRunAll {
		runSchedulers()

		if !flagRunAll {
			return
		}
	}

	if flagRunWorker || flagRunAll {
		go feeds.Run(nil)
		go runMetricsServer()
	}

	listenSignal()
}

func runSchedulers() {
	for _, p := range common.Plugins {
		if sp, ok := p.(SchedulerPlugin); ok {
			log.Info("registering jobs for plugin ", p.PluginInfo().Name)
			err := sp.ScheduleJobs()
			if err != nil {
				log.WithError(err).Fatal("failed registering jobs for ", p.PluginInfo().Name)
			}
		}
	}
}

func runMetricsServer() {
	addr := confMetricsAddr.GetString()
	log.Info("starting metrics server on ", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	err := http.ListenAndServe(addr, mux)
	if err != nil {
		log.WithError(err).Error("failed starting metrics server")
	}
}

func addSentryHook() {
	err := sentry.Init(sentry.ClientOptions{
		Dsn: confSentryDSN.GetString(),
	})

	if err == nil {
		common.AddLogHook(sentryhook.Hook{})
		log.Info("Added sentry hook")
	} else {
		log.WithError(err).Error("failed initializing sentry")
	}
}

func listenSignal() {
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	shutdown()
}

func shutdown() {
	log.Info("SHUTTING DOWN...")

	wg := new(sync.WaitGroup)
	feeds.Stop(wg)
	wg.Wait()

	log.Info("bye")
	os.Exit(0)
}
