// Carepath triages patient cases and routes them to consultation, a hospital
// or an ambulance dispatch.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/carepath/internal/agents"
	"github.com/linnemanlabs/carepath/internal/bus"
	"github.com/linnemanlabs/carepath/internal/bus/kafkasink"
	"github.com/linnemanlabs/carepath/internal/caseapi"
	cc "github.com/linnemanlabs/carepath/internal/cfg"
	"github.com/linnemanlabs/carepath/internal/llm/claude"
	"github.com/linnemanlabs/carepath/internal/matching"
	"github.com/linnemanlabs/carepath/internal/notify/slack"
	"github.com/linnemanlabs/carepath/internal/optimize"
	"github.com/linnemanlabs/carepath/internal/postgres"
	"github.com/linnemanlabs/carepath/internal/resource"
	"github.com/linnemanlabs/carepath/internal/triage"
	"github.com/linnemanlabs/carepath/internal/workflow"
	"github.com/linnemanlabs/carepath/internal/workflow/memstore"
	"github.com/linnemanlabs/carepath/internal/workflow/pgstore"
)

const appName = "carepath"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    cc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first, env vars fill the rest without overriding
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	cfg.FillFromEnv(flag.CommandLine, "CAREPATH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"pipeline_mode", appCfg.PipelineMode,
		"oracle_enabled", appCfg.ClaudeAPIKey != "",
		"kafka_enabled", len(appCfg.Brokers()) > 0,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// profiling first so the whole lifetime is covered
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// tag spans with profile ids so traces link to pyroscope
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Case store
	var store workflow.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carepath_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Classification oracle. Without a key triage runs on keywords and vitals.
	var (
		oracle     triage.Oracle
		consultant workflow.Consultant
	)
	if appCfg.ClaudeAPIKey != "" {
		claudeClient := claude.New(claude.Config{
			APIKey: appCfg.ClaudeAPIKey,
			Model:  appCfg.ClaudeModel,
			RPS:    appCfg.OracleRPS,
			Burst:  1,
		}, L)
		oracle, consultant = claudeClient, claudeClient
		L.Info(ctx, "initialized classification oracle", "provider", "claude", "model", appCfg.ClaudeModel, "rps", appCfg.OracleRPS)
	} else {
		L.Warn(ctx, "no claude-api-key configured, oracle disabled")
	}

	triageMetrics := triage.NewMetrics(m.Registry())
	oracleTimeout := time.Duration(appCfg.OracleTimeoutSeconds) * time.Second
	engine := triage.NewEngine(oracle, oracleTimeout, L, triageMetrics.Hooks())

	seed := catalogSeed(appCfg.CatalogSeed)
	catalog := resource.NewReferenceCatalog(rand.New(rand.NewPCG(seed, 1)))
	matcher := matching.New(catalog)
	optimizer := optimize.New(trafficModel(appCfg.TrafficDelayMinutes, seed))

	workflowMetrics := workflow.NewMetrics(m.Registry())

	// Event bus
	b := bus.New(L,
		bus.WithHistorySize(appCfg.BusHistorySize),
		bus.WithHooks(bus.NewMetrics(m.Registry()).Hooks()),
	)

	var notifier workflow.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		agents.Register(b, agents.NewNotifyWorker(notifier, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	var sink *kafkasink.Sink
	if brokers := appCfg.Brokers(); len(brokers) > 0 {
		topics := appCfg.BusTopics()
		if len(topics) == 0 {
			topics = agents.Topics
		}
		sink, err = kafkasink.New(kafkasink.Config{
			Brokers:   brokers,
			Topic:     appCfg.KafkaTopic,
			BusTopics: topics,
		}, L)
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		agents.Register(b, sink)
		L.Info(ctx, "mirroring bus events to kafka", "topic", appCfg.KafkaTopic, "bus_topics", len(topics))
	}

	// Case service, driven either by the worker pipeline or the orchestrator
	var caseSvc *workflow.Service
	switch appCfg.PipelineMode {
	case cc.PipelineOrchestrator:
		orch := workflow.NewOrchestrator(engine, matcher, optimizer, L,
			workflow.WithHooks(workflowMetrics.Hooks()),
			workflow.WithConsultant(consultant),
		)
		caseSvc = workflow.NewService(store, orch, L, workflowMetrics, workflow.WithPublisher(b))
	default:
		agents.Register(b,
			agents.NewTriageWorker(engine, store, b, L),
			agents.NewRouterWorker(nil, b),
			agents.NewMatcherWorker(matcher, b, L, agents.WithConsultant(consultant)),
			agents.NewOptimizerWorker(optimizer, b, agents.DefaultBackupCacheSize),
			agents.NewRecorderWorker(store, b, L, workflowMetrics.Hooks()),
		)
		caseSvc = workflow.NewService(store, nil, L, workflowMetrics, workflow.WithDispatcher(agents.NewIntake(b)))
	}
	stopBus := b.Start(ctx)
	L.Info(ctx, "case pipeline ready", "mode", caseSvc.Mode())

	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// ops listener is for internal monitoring only
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()

	r.Use(middleware.Compress(5, "application/json"))

	// http.route from the chi pattern for logs and spans
	r.Use(httpmw.AnnotateHTTPRoute)

	// method label for DB query metrics
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	r.Use(httpmw.AccessLog())

	// case intake carries base64 images
	r.Use(httpmw.MaxBody(16 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	caseAPI := caseapi.New(L, caseSvc, b)
	caseAPI.RegisterRoutes(r)

	// outermost wrapper sees the request first
	var h http.Handler = r

	h = httpmw.WithLogger(L)(h)

	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern later
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	h = m.Middleware(h)

	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	h = httpmw.RequestID("X-Request-Id")(h)

	h = httpmw.Recover(L, nil)(h)

	h = httpmw.SecurityHeaders(h)

	caseapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	caseapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, caseapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start caseapi http listener")
		return err
	}
	defer func() {
		err := caseapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop caseapi http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// systemd kills us after its own timeout if this matters
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	// the bus drains after the listener stops taking new cases
	stopFns := []stopFn{
		{"caseapi http server", caseapiHTTPStop},
		{"event bus", stopBus},
	}
	if sink != nil {
		stopFns = append(stopFns, stopFn{"kafka sink", sink.Close})
	}
	stopFns = append(stopFns,
		stopFn{"ops http server", opsHTTPStop},
		stopFn{"otel", shutdownOtelx},
	)

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete",
		"pending_events", b.Pending(),
	)
	return nil
}

// catalogSeed returns seed, or a time-based seed when seed is zero.
func catalogSeed(seed int64) uint64 {
	if seed == 0 {
		return uint64(time.Now().UnixNano()) //nolint:gosec // simulation seed, sign is irrelevant
	}
	return uint64(seed) //nolint:gosec // simulation seed, sign is irrelevant
}

// trafficModel returns a fixed model for delay >= 0 and a seeded random
// model otherwise.
func trafficModel(delay int, seed uint64) optimize.TrafficModel {
	if delay >= 0 {
		return optimize.FixedTraffic{
			DelayMinutes: delay,
			Congestion:   optimize.CongestionFor(delay),
		}
	}
	return optimize.NewRandomTraffic(rand.New(rand.NewPCG(seed, 2)), nil)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
