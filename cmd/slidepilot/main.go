package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	"github.com/pathscope/slidepilot/config"
	runmongo "github.com/pathscope/slidepilot/features/run/mongo"
	mongoc "github.com/pathscope/slidepilot/features/run/mongo/clients/mongo"
	"github.com/pathscope/slidepilot/runtime/mcp"
	"github.com/pathscope/slidepilot/runtime/progress"
	"github.com/pathscope/slidepilot/runtime/retry"
	"github.com/pathscope/slidepilot/runtime/run"
	"github.com/pathscope/slidepilot/runtime/run/inmem"
	"github.com/pathscope/slidepilot/runtime/telemetry"
	"github.com/pathscope/slidepilot/runtime/viewer"
	"github.com/pathscope/slidepilot/runtime/workflow"
)

// main drives a single analysis run from the command line: dial the viewer,
// execute the pipeline, print step progress as it happens and the summary at
// the end. The exit code reports the run outcome.
func main() {
	var (
		configF  = flag.String("config", "", "Path to the YAML configuration file")
		streamF  = flag.String("stream-url", "", "Viewer SSE endpoint (overrides the configuration file)")
		slideF   = flag.String("slide", "", "Slide file to analyze (required)")
		taskF    = flag.String("task", "", "Analysis task description (required)")
		centerF  = flag.String("center", "", "Region center as \"x,y\" in slide coordinates")
		sizeF    = flag.Float64("size", 0, "Region side length in slide coordinates")
		labelsF  = flag.String("labels", "", "Run labels as \"key=value,key=value\"")
		timeoutF = flag.Duration("timeout", 10*time.Minute, "Overall run deadline (0 disables)")
		dbgF     = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	if *slideF == "" || *taskF == "" {
		fmt.Fprintln(os.Stderr, "both -slide and -task are required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *streamF != "" {
		cfg.Viewer.StreamURL = *streamF
	}

	hint, err := parseHint(*centerF, *sizeF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	labels, err := parseLabels(*labelsF)
	if err != nil {
		log.Fatal(ctx, err)
	}

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

	vc, err := viewer.New(viewer.Options{Transport: session})
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Record the run in Mongo when the config points at one so one-shot runs
	// land in the same history the daemon writes. Memory otherwise.
	var store run.Store
	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer func() { _ = mc.Disconnect(context.Background()) }()
		store, err = runmongo.NewStoreFromMongo(mongoc.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    time.Duration(cfg.Mongo.Timeout),
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
	} else {
		store = inmem.New()
	}

	// Print step progress as log lines while the pipeline runs.
	sink := progress.SinkFunc(func(_ context.Context, ev progress.Event) error {
		kvs := []log.Fielder{
			log.KV{K: "status", V: ev.Status},
			log.KV{K: "msg", V: ev.Message},
		}
		if ev.Step != "" {
			kvs = append([]log.Fielder{log.KV{K: "step", V: ev.Step}}, kvs...)
		}
		log.Print(ctx, kvs...)
		return nil
	})

	engine, err := workflow.New(workflow.Options{
		Viewer:      vc,
		Store:       store,
		Log:         telemetry.NewClueLogger(),
		Sink:        sink,
		LockTTL:     time.Duration(cfg.Viewer.LockTTL),
		Await:       cfg.Viewer.Await.AwaitOptions(),
		SettleDelay: time.Duration(cfg.Viewer.SettleDelay),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	runCtx := ctx
	if *timeoutF > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, *timeoutF)
		defer cancel()
	}

	state := engine.Execute(runCtx, workflow.Request{
		RunID:     uuid.NewString(),
		SlidePath: *slideF,
		Task:      *taskF,
		Hint:      hint,
		Labels:    labels,
	})

	if state.Summary != "" {
		fmt.Println(state.Summary)
	}
	if state.Status == run.StatusFailed {
		log.Error(ctx, errors.New(state.Error), log.KV{K: "run-id", V: state.RunID})
		os.Exit(1)
	}
}

// parseHint builds the region hint from the -center and -size flags. Both
// are optional and independent; returns nil when neither is set.
func parseHint(center string, size float64) (*workflow.RegionHint, error) {
	if center == "" && size <= 0 {
		return nil, nil
	}
	hint := &workflow.RegionHint{Size: size}
	if center != "" {
		var x, y float64
		if _, err := fmt.Sscanf(center, "%f,%f", &x, &y); err != nil {
			return nil, fmt.Errorf("invalid -center %q: expected \"x,y\"", center)
		}
		hint.Center = &viewer.Point{x, y}
	}
	return hint, nil
}

// parseLabels splits the -labels flag into a map. Empty input yields nil.
func parseLabels(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid -labels entry %q: expected key=value", pair)
		}
		labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return labels, nil
}
