package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/keystone-vision/shelfwatch/internal/config"
	"github.com/keystone-vision/shelfwatch/internal/detect"
	"github.com/keystone-vision/shelfwatch/internal/journal"
	"github.com/keystone-vision/shelfwatch/internal/monitor"
	"github.com/keystone-vision/shelfwatch/internal/publish"
	"github.com/keystone-vision/shelfwatch/internal/version"
	"github.com/keystone-vision/shelfwatch/internal/vision"
)

var (
	feedAddr      = flag.String("feed", ":9000", "TCP listen address for the NDJSON detection feed")
	listenAddr    = flag.String("listen", ":8080", "HTTP monitor listen address")
	brokerURL     = flag.String("broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables publishing)")
	clientID      = flag.String("client-id", "", "MQTT client id (default: shelfwatch- plus a random suffix)")
	recognizerURL = flag.String("recognizer", "", "recognition service base URL, e.g. http://localhost:7700")
	backendList   = flag.String("backends", "", "comma-separated recognition backend ids, tried in rotation order")
	dbPath        = flag.String("db", "shelfwatch.db", "path to the SQLite journal database (empty disables the journal)")
	configPath    = flag.String("config", "", "path to a tuning config JSON file (defaults apply when omitted)")
	devMode       = flag.Bool("dev", false, "dev mode: synthetic replay feed and built-in recognizer, no external services")
	quietFlag     = flag.Bool("quiet", false, "suppress engine ops logging")
	verboseFlag   = flag.Bool("verbose", false, "enable per-object diagnostic logging")
	traceFlag     = flag.Bool("trace", false, "enable per-frame trace logging (implies -verbose)")
)

// setupLogging maps the verbosity flags onto the engine's three log streams.
func setupLogging() {
	var ops, diag, trace io.Writer
	if !*quietFlag {
		ops = os.Stderr
	}
	if *verboseFlag || *traceFlag {
		diag = os.Stderr
	}
	if *traceFlag {
		trace = os.Stderr
	}
	vision.SetLogWriters(ops, diag, trace)
}

// splitBackends parses the comma-separated backend list, dropping empties.
func splitBackends(list string) []string {
	var out []string
	for _, b := range strings.Split(list, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func main() {
	flag.Parse()
	setupLogging()

	log.Printf("shelfwatch %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	if !*devMode && *recognizerURL == "" {
		log.Fatal("A recognition service URL is required (-recognizer), or run with -dev")
	}
	if !*devMode && *backendList == "" {
		log.Fatal("At least one recognition backend is required (-backends), or run with -dev")
	}

	// Tuning parameters: built-in defaults unless a JSON file overrides them.
	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("Loaded tuning config from %s", *configPath)
	}

	// Journal database, migrated to the latest schema on startup. An
	// empty -db runs the engine without an audit trail.
	var j *journal.Journal
	if *dbPath != "" {
		var err error
		j, err = journal.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open journal database: %v", err)
		}
		defer j.Close()
		if err := j.MigrateUp(); err != nil {
			log.Fatalf("Failed to migrate journal database: %v", err)
		}
		schema, dirty, err := j.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to read journal schema version: %v", err)
		}
		log.Printf("Journal %s at schema version %d (dirty=%v)", *dbPath, schema, dirty)
	} else {
		log.Printf("No journal database configured, events will not be recorded")
	}

	// Recognition client and the candidate backends to probe.
	var recognizer vision.Recognizer
	candidates := splitBackends(*backendList)
	if *devMode {
		recognizer = &vision.StaticRecognizer{
			Labels:  vision.DefaultStaticLabels(),
			Latency: 150 * time.Millisecond,
		}
		if len(candidates) == 0 {
			candidates = []string{"builtin"}
		}
	} else {
		recognizer = vision.NewHTTPRecognizer(*recognizerURL, nil)
	}

	rotation, err := vision.ProbeBackends(context.Background(), recognizer, candidates, tuning.GetProbeTimeout())
	if err != nil {
		log.Fatalf("Failed to probe recognition backends: %v", err)
	}
	log.Printf("Recognition backends in rotation: %s", strings.Join(rotation.Backends(), ", "))

	registry := vision.NewRegistry(tuning.GetMaxMissingFrames(), nil)
	quota := vision.NewQuotaTracker(tuning.GetMaxCallsPerMinute(), tuning.GetQuotaWindow(), nil)
	latency := monitor.NewLatencyRecorder()

	// Event publisher is optional; the engine runs fine without a broker.
	// A broker that is down at startup is not fatal either, the client
	// keeps retrying in the background.
	var publisher *publish.Publisher
	if *brokerURL != "" {
		publisher = publish.New(publish.Config{
			BrokerURL:         *brokerURL,
			ClientID:          *clientID,
			ReconnectInterval: tuning.GetReconnectInterval(),
		})
		if err := publisher.Connect(); err != nil {
			log.Printf("MQTT: %v", err)
		}
	} else {
		log.Printf("No MQTT broker configured, events will not be published")
	}

	worker := vision.NewEnrichmentWorker(vision.WorkerConfig{
		Registry:    registry,
		Quota:       quota,
		Rotation:    rotation,
		Recognizer:  recognizer,
		Publisher:   publisher,
		Journal:     j,
		Cooldown:    tuning.GetEnrichCooldown(),
		CallTimeout: tuning.GetRecognizeTimeout(),
		QueueSize:   tuning.GetQueueSize(),
		OnLatency:   latency.Record,
	})

	processor := vision.NewFrameProcessor(vision.ProcessorConfig{
		Registry:        registry,
		Quota:           quota,
		Worker:          worker,
		Publisher:       publisher,
		Journal:         j,
		StabilityFrames: tuning.GetStabilityFrames(),
		MinBoxPx:        tuning.GetMinBoxPx(),
	})

	if publisher != nil {
		publisher.SetResyncHandler(func() {
			n := processor.Resync()
			log.Printf("Resync republished %d objects", n)
		})
	}

	// Frame source: live TCP feed, or the synthetic replay scene in dev mode.
	var source detect.Source
	if *devMode {
		source = detect.NewReplaySource(detect.DefaultReplayConfig())
		log.Printf("Dev mode: synthetic replay feed, built-in recognizer")
	} else {
		source = detect.NewFeedSource(*feedAddr)
	}

	ws := monitor.NewWebServer(monitor.WebServerConfig{
		Address:   *listenAddr,
		Registry:  registry,
		Quota:     quota,
		Rotation:  rotation,
		Worker:    worker,
		Processor: processor,
		Publisher: publisher,
		Journal:   j,
		Latency:   latency,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker.Start()

	if err := source.Start(ctx); err != nil {
		log.Fatalf("Failed to start detection source: %v", err)
	}

	// Frame consumer: drains the source into the processor until the
	// frame channel closes on shutdown.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for frame := range source.Frames() {
			processor.ProcessFrame(frame)
		}
		log.Println("Frame processing routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.Start(ctx); err != nil {
			log.Printf("Web server error: %v", err)
		}
		log.Println("Web server routine terminated")
	}()

	// The feed listener blocks in Accept, so context cancellation alone
	// does not unwind it; Stop closes the listener and the frame channel.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		source.Stop()
		log.Println("Detection source stopped")
	}()

	log.Printf("shelfwatch running: monitor on %s", *listenAddr)
	wg.Wait()

	worker.Stop()
	if publisher != nil {
		publisher.Close()
	}

	log.Println("Graceful shutdown complete")
}
