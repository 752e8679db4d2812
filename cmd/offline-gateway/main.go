package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	offline "github.com/mamcisaac/offline-gateway"
	"github.com/mamcisaac/offline-gateway/cache"
	"github.com/mamcisaac/offline-gateway/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	originFlag         string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	queueFilenameFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to front (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache provider to use (sqlite, leveldb or memory)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file or directory name (use 'memory' for in-memory db)")
	flag.StringVar(&queueFilenameFlag, "queue-db", "queue.db", "Write queue DB file name")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout, and to a logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := offline.LoadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	dbFilename := dbFilenameFlag
	if dbFilename == "memory" {
		dbFilename = ""
	}

	// use configured provider, fatal if unsupported
	var store cache.Provider
	switch providerFlag {
	case "sqlite":
		sqliteStore, err := cache.NewSQLiteCache(dbFilename)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache db")
		}
		store = sqliteStore
	case "leveldb":
		leveldbStore, err := cache.NewLevelDBCache(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache db")
		}
		store = leveldbStore
	case "memory":
		store = cache.NewMemCache()
	default:
		log.Fatal().Msgf("Unsupported cache provider: %s", providerFlag)
	}
	defer store.Close()

	var writeQueue queue.Queue
	if providerFlag == "memory" {
		writeQueue = queue.NewMemQueue()
	} else {
		sqliteQueue, err := queue.NewSQLiteQueue(queueFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open queue db")
		}
		writeQueue = sqliteQueue
	}
	defer writeQueue.Close()

	broadcaster := offline.NewBroadcaster()
	syncer := offline.NewSyncer(writeQueue, *originURL, broadcaster, &log.Logger)
	lifecycle := offline.NewLifecycle(store, *originURL, config.Versions, config.Precache, broadcaster, &log.Logger)

	gateway := offline.NewGateway(offline.GatewayConfig{
		Store:          store,
		Queue:          writeQueue,
		OriginURL:      *originURL,
		APIPrefix:      config.APIPrefix,
		CacheablePaths: config.CacheablePaths,
		Shell:          config.Shell,
		StaticRegion:   config.Versions.Static,
		DynamicRegion:  config.Versions.DynamicData,
		Registrar:      offline.NewTimerRegistrar(syncer, time.Minute),
		Logger:         &log.Logger,
	})

	ctx := context.Background()

	// an install failure means the previous generation keeps serving;
	// activation (and the region purge) is skipped
	if err := lifecycle.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Lifecycle run failed, serving previously cached regions")
	}

	go syncer.Watch(ctx, 30*time.Second)

	r := chi.NewRouter()
	control := offline.NewControl(lifecycle, syncer, writeQueue, broadcaster, config.Versions, &log.Logger)
	r.Mount("/offline", control.Routes())
	r.Handle("/*", gateway)

	log.Info().Msgf("Fronting %s on port %d (static region %s)",
		originURL.String(), config.Port, config.Versions.Static)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", config.Port), r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}
