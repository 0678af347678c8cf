package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	"github.com/pathscope/slidepilot/config"
	progresspulse "github.com/pathscope/slidepilot/features/progress/pulse"
	clientspulse "github.com/pathscope/slidepilot/features/progress/pulse/clients/pulse"
	runmongo "github.com/pathscope/slidepilot/features/run/mongo"
	mongoc "github.com/pathscope/slidepilot/features/run/mongo/clients/mongo"
	"github.com/pathscope/slidepilot/features/viewer/middleware"
	"github.com/pathscope/slidepilot/runtime/mcp"
	"github.com/pathscope/slidepilot/runtime/progress"
	"github.com/pathscope/slidepilot/runtime/retry"
	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/run/inmem"
	"github.com/pathscope/slidepilot/runtime/telemetry"
	"github.com/pathscope/slidepilot/runtime/viewer"
	"github.com/pathscope/slidepilot/runtime/workflow"
	"github.com/pathscope/slidepilot/server"
)

// budgetMapName is the replicated map that carries the shared rate-limit
// budget when several pilot processes drive viewers behind one Redis.
const budgetMapName = "slidepilot_budgets"

func main() {
	// Define command line flags, add any other flag required to configure
	// the service.
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		listenF = flag.String("listen", "", "Front door listen address (overrides the configuration file)")
		streamF = flag.String("stream-url", "", "Viewer SSE endpoint (overrides the configuration file)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *listenF != "" {
		cfg.Server.Listen = *listenF
	}
	if *streamF != "" {
		cfg.Viewer.StreamURL = *streamF
	}
	if *dbgF {
		cfg.Server.Debug = true
	}
	log.Print(ctx, log.KV{K: "stream-url", V: cfg.Viewer.StreamURL},
		log.KV{K: "listen", V: cfg.Server.Listen})

	// Redis backs the Pulse progress mirror and the cluster rate-limit
	// budget. Leaving it unconfigured keeps both process-local.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
	}

	// Dial the viewer with backoff so the pilot can start before the viewer
	// finishes booting.
	var session *mcp.Session
	err = retry.Do(ctx, cfg.Connect.RetryConfig(), func(ctx context.Context) error {
		var derr error
		session, derr = mcp.Dial(ctx, mcp.Options{
			StreamURL:       cfg.Viewer.StreamURL,
			ProtocolVersion: cfg.Viewer.ProtocolVersion,
			ClientName:      cfg.Viewer.ClientName,
			ClientVersion:   cfg.Viewer.ClientVersion,
			EndpointTimeout: time.Duration(cfg.Viewer.EndpointTimeout),
			RequestTimeout:  time.Duration(cfg.Viewer.RequestTimeout),
		})
		return derr
	})
	if err != nil {
		log.Fatal(ctx, err, log.KV{K: "stream-url", V: cfg.Viewer.StreamURL})
	}
	defer func() { _ = session.Close() }()

	// The viewer is a shared appliance: wrap the transport in the adaptive
	// limiter, joining the replicated budget map when a cluster key is set.
	var transport viewer.Transport = session
	if cfg.Viewer.RateLimit.InitialRPM > 0 {
		var budgets *rmap.Map
		if rdb != nil && cfg.Viewer.RateLimit.ClusterKey != "" {
			if budgets, err = rmap.Join(ctx, budgetMapName, rdb); err != nil {
				log.Fatal(ctx, err)
			}
		}
		rl := middleware.NewAdaptiveRateLimiter(ctx, budgets, cfg.Viewer.RateLimit.ClusterKey,
			cfg.Viewer.RateLimit.InitialRPM, cfg.Viewer.RateLimit.MaxRPM)
		transport = rl.Middleware()(transport)
	}

	vc, err := viewer.New(viewer.Options{Transport: transport})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Pick the run store: Mongo when a URI is configured, memory otherwise.
	var (
		store   run.Store
		pingers []health.Pinger
	)
	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()
		runc, err := mongoc.New(mongoc.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    time.Duration(cfg.Mongo.Timeout),
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
		store, err = runmongo.NewStore(runmongo.Options{Client: runc})
		if err != nil {
			log.Fatal(ctx, err)
		}
		pingers = append(pingers, runc)
		log.Print(ctx, log.KV{K: "run-store", V: "mongo"}, log.KV{K: "database", V: cfg.Mongo.Database})
	} else {
		store = inmem.New()
		log.Print(ctx, log.KV{K: "run-store", V: "memory"})
	}

	// Fan progress out to SSE subscribers and, when Redis is configured,
	// mirror every event onto a per-run Pulse stream.
	broadcaster := progress.NewBroadcaster(64, true)
	defer broadcaster.Close()
	sink := progress.BroadcastSink(broadcaster)
	if rdb != nil {
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatal(ctx, err)
		}
		streams, err := progresspulse.NewStreams(progresspulse.StreamsOptions{Client: pc})
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer func() { _ = streams.Close(context.Background()) }()
		sink = progress.MultiSink(sink, streams.Sink())
		log.Print(ctx, log.KV{K: "progress-mirror", V: "pulse"})
	}

	engine, err := workflow.New(workflow.Options{
		Viewer:      vc,
		Store:       store,
		Log:         telemetry.NewClueLogger(),
		Metrics:     telemetry.NewClueMetrics(),
		Tracer:      telemetry.NewClueTracer(),
		Sink:        sink,
		LockTTL:     time.Duration(cfg.Viewer.LockTTL),
		Await:       cfg.Viewer.Await.AwaitOptions(),
		SettleDelay: time.Duration(cfg.Viewer.SettleDelay),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	front, err := server.New(server.Options{
		Engine:      engine,
		Store:       store,
		Broadcaster: broadcaster,
		Pingers:     pingers,
		Debug:       cfg.Server.Debug,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	// Start the server and send errors (if any) to the error channel.
	handleHTTPServer(ctx, cfg.Server.Listen, front.Handler(ctx), &wg, errc)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}
