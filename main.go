package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/config"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/deadletter"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/errors"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/metrics"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/repl"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/sel"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/topo"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/util"
)

// Constants for server configuration.
const (
	ServerReadTimeout       = 30 * time.Second
	ServerReadHeaderTimeout = 3 * time.Second
)

// contextKey is a type for context keys used in this package.
type contextKey string

// configContextKey is the context key for storing *config.Config.
const configContextKey contextKey = "config"

var (
	Version   = "v0.1.0" //nolint:gochecknoglobals
	Platform  = ""       //nolint:gochecknoglobals
	GitCommit = ""       //nolint:gochecknoglobals
	GitBranch = ""       //nolint:gochecknoglobals
	BuildTime = ""       //nolint:gochecknoglobals
)

func buildVersion() string {
	return Version + " " + GitCommit + " " + BuildTime
}

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   "migrate-mongo-cluster",
	Short: "Continuously replicate a MongoDB replica set oplog onto another cluster",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zerolog.InfoLevel
		}

		lg := log.InitGlobals(logLevel, cfg.Log.JSON, cfg.Log.NoColor)
		ctx := lg.WithContext(context.Background())
		ctx = context.WithValue(ctx, configContextKey, cfg)
		cmd.SetContext(ctx)

		return nil
	},

	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert

		log.Ctx(cmd.Context()).Info("migrate-mongo-cluster " + buildVersion())

		return run(cmd.Context(), cfg)
	},
}

//nolint:gochecknoglobals
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		info := fmt.Sprintf("Version:   %s\nPlatform:  %s\nGitCommit: "+
			"%s\nGitBranch: %s\nBuildTime: %s\nGoVersion: %s",
			Version,
			Platform,
			GitCommit,
			GitBranch,
			BuildTime,
			runtime.Version(),
		)

		cmd.Println(info)
	},
}

func main() {
	config.AddFlags(rootCmd.Flags())
	rootCmd.AddCommand(versionCmd)

	os.Exit(execute(rootCmd, os.Args[1:]))
}

// execute runs cmd with args and returns the process exit code.
func execute(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)

	err := cmd.Execute()
	if err != nil {
		log.New("main").Error(err, "Exit")

		return 1
	}

	return 0
}

// run replicates until interrupted or a fatal error occurs.
func run(ctx context.Context, cfg *config.Config) error {
	err := config.Validate(cfg)
	if err != nil {
		return errors.Wrap(err, "validate options")
	}

	opts, err := replOptions(cfg)
	if err != nil {
		return err
	}

	filter, err := buildFilter(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := createServer(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "new server")
	}

	defer func() {
		err := util.CtxWithTimeout(context.WithoutCancel(ctx), config.DisconnectTimeout, srv.Close)
		if err != nil {
			log.New("server").Error(err, "Close server")
		}
	}()

	var failures repl.FailureHandler = repl.LogFailures{}

	if cfg.DeadLetter.NATSURL != "" {
		pub, err := deadletter.Connect(cfg.DeadLetter.NATSURL, cfg.DeadLetter.Subject)
		if err != nil {
			return errors.Wrap(err, "dead letter")
		}

		defer pub.Close()

		log.New("deadletter").Infof("Publishing abandoned operations to %q (run %s)",
			cfg.DeadLetter.Subject, pub.RunID())

		failures = pub
	}

	preflight(ctx, srv.sourceCluster, filter.NSFilter())

	srv.repl = repl.New(
		topo.NewOplogSource(srv.sourceCluster, opts.IdleInterval, cfg.MongoDB.OperationTimeout),
		topo.NewTarget(srv.targetCluster, cfg.MongoDB.OperationTimeout),
		filter,
		failures,
		opts)

	if cfg.MetricsPort != 0 {
		go srv.serve(ctx, cfg.MetricsPort)
	}

	return srv.repl.Run(ctx) //nolint:wrapcheck
}

func replOptions(cfg *config.Config) (repl.Options, error) {
	opts := repl.Options{
		QueueSize:         cfg.Repl.QueueSize,
		BatchSize:         cfg.Repl.BatchSize,
		IdleInterval:      cfg.Repl.IdleInterval,
		LagReportInterval: cfg.Repl.LagReportInterval,
		ResumeWindow:      cfg.Repl.ResumeWindow,
		ShutdownTimeout:   cfg.Repl.ShutdownTimeout,
	}

	if cfg.Repl.BatchMaxBytes != "" {
		n, err := config.ParseAndValidateBatchMaxBytes(cfg.Repl.BatchMaxBytes)
		if err != nil {
			return repl.Options{}, err //nolint:wrapcheck
		}

		opts.BatchMaxBytes = n
	}

	if cfg.Repl.StartAt != "" {
		ts, err := config.ParseStartAt(cfg.Repl.StartAt)
		if err != nil {
			return repl.Options{}, err //nolint:wrapcheck
		}

		opts.StartAt = ts
	}

	return opts, nil
}

// buildFilter compiles the configured blacklist, then the --exclude rules.
func buildFilter(cfg *config.Config) (*sel.Filter, error) {
	rules := make([]sel.Rule, 0, len(cfg.Blacklist)+len(cfg.Exclude))

	for _, b := range cfg.Blacklist {
		rule, err := sel.NewRule(b.Database, b.Collection)
		if err != nil {
			return nil, errors.Wrapf(err, "blacklist %s.%s", b.Database, b.Collection)
		}

		rules = append(rules, rule)
	}

	for _, ns := range cfg.Exclude {
		rule, err := sel.ParseRule(ns)
		if err != nil {
			return nil, errors.Wrapf(err, "exclude %q", ns)
		}

		rules = append(rules, rule)
	}

	if len(rules) != 0 {
		names := make([]string, len(rules))
		for i, r := range rules {
			names[i] = r.String()
		}

		log.New("filter").Infof("Blacklist: %s", strings.Join(names, ", "))
	}

	return sel.NewFilter(rules...), nil
}

// preflight reports how many source namespaces the filter keeps. Errors are logged only.
func preflight(ctx context.Context, source *mongo.Client, allowed sel.NSFilter) {
	lg := log.New("preflight")

	dbs, err := topo.ListDatabaseNames(ctx, source)
	if err != nil {
		lg.Warn("List source databases: " + err.Error())

		return
	}

	var total, kept int

	for _, db := range dbs {
		colls, err := topo.ListCollectionNames(ctx, source, db)
		if err != nil {
			lg.Warnf("List collections of %q: %v", db, err)

			continue
		}

		for _, coll := range colls {
			total++

			if allowed(db, coll) {
				kept++
			}
		}
	}

	lg.Infof("Replicating %d of %d source collections in %d databases", kept, total, len(dbs))
}

// Server holds the cluster connections and serves metrics and status.
type Server struct {
	// sourceCluster is the MongoDB client for the source cluster.
	sourceCluster *mongo.Client
	// targetCluster is the MongoDB client for the target cluster.
	targetCluster *mongo.Client

	repl *repl.Replicator

	// promRegistry is the Prometheus registry for metrics.
	promRegistry *prometheus.Registry
}

// createServer connects to both clusters.
func createServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	lg := log.Ctx(ctx)

	source, err := topo.Connect(ctx, cfg.Source, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect to source cluster")
	}

	defer func() {
		if err == nil {
			return
		}

		err1 := util.CtxWithTimeout(ctx, config.DisconnectTimeout, source.Disconnect)
		if err1 != nil {
			log.Ctx(ctx).Warn("Disconnect Source Cluster: " + err1.Error())
		}
	}()

	sourceVersion, err := topo.Version(ctx, source)
	if err != nil {
		return nil, errors.Wrap(err, "source version")
	}

	cs, _ := connstring.Parse(cfg.Source)
	lg.Infof("Connected to source cluster [%s]: %s://%s",
		sourceVersion, cs.Scheme, strings.Join(cs.Hosts, ","))

	target, err := topo.Connect(ctx, cfg.Target, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect to target cluster")
	}

	defer func() {
		if err == nil {
			return
		}

		err1 := util.CtxWithTimeout(ctx, config.DisconnectTimeout, target.Disconnect)
		if err1 != nil {
			log.Ctx(ctx).Warn("Disconnect Target Cluster: " + err1.Error())
		}
	}()

	targetVersion, err := topo.Version(ctx, target)
	if err != nil {
		return nil, errors.Wrap(err, "target version")
	}

	cs, _ = connstring.Parse(cfg.Target)
	lg.Infof("Connected to target cluster [%s]: %s://%s",
		targetVersion, cs.Scheme, strings.Join(cs.Hosts, ","))

	promRegistry := prometheus.NewRegistry()
	metrics.Init(promRegistry)

	s := &Server{
		sourceCluster: source,
		targetCluster: target,
		promRegistry:  promRegistry,
	}

	return s, nil
}

// Close closes the cluster connections.
func (s *Server) Close(ctx context.Context) error {
	err1 := s.sourceCluster.Disconnect(ctx)
	err2 := s.targetCluster.Disconnect(ctx)

	return errors.Join(err1, err2)
}

func (s *Server) serve(ctx context.Context, port int) {
	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),

		ReadTimeout:       ServerReadTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		err := util.CtxWithTimeout(context.WithoutCancel(ctx), config.DisconnectTimeout, httpServer.Shutdown)
		if err != nil {
			log.New("http").Error(err, "Shutdown HTTP server")
		}
	}()

	log.New("http").Info("Serving metrics at http://" + addr + "/metrics")

	err := httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.New("http").Error(err, "HTTP server")
	}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.HandleStatus)
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.New("http").Trace(r.Method + " " + r.URL.String())
		mux.ServeHTTP(w, r)
	})
}

// HandleHealth reports 200 while replication has not failed.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if s.repl != nil && s.repl.Status().Err != nil {
		http.Error(w,
			http.StatusText(http.StatusServiceUnavailable),
			http.StatusServiceUnavailable)

		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleStatus handles the /status endpoint.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	res := statusResponse{Ok: true}

	if s.repl != nil {
		res = makeStatusResponse(s.repl.Status())
	}

	writeResponse(w, res)
}

func makeStatusResponse(status repl.Status) statusResponse {
	res := statusResponse{
		Ok:             status.Err == nil,
		LagTimeSeconds: status.LagSeconds,
		EventsRead:     status.EventsRead,
		EventsApplied:  status.EventsApplied,
	}

	if status.Err != nil {
		res.Err = status.Err.Error()
	}

	if !status.StartTime.IsZero() {
		res.StartTime = status.StartTime.UTC().Format(time.RFC3339)
	}

	if !status.LastReplicatedOpTime.IsZero() {
		ts := status.LastReplicatedOpTime

		res.LastReplicatedOpTime = &lastReplicatedOpTime{
			TS:      fmt.Sprintf("%d.%d", ts.T, ts.I),
			ISODate: time.Unix(int64(ts.T), 0).UTC().Format(time.RFC3339),
		}
	}

	return res
}

// writeResponse writes the response as JSON to the ResponseWriter.
func writeResponse[T any](w http.ResponseWriter, resp T) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		http.Error(w,
			http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
	}
}

// statusResponse is the body of the /status endpoint.
type statusResponse struct {
	// Ok is false once replication has failed.
	Ok bool `json:"ok"`
	// Err is the error message if replication failed.
	Err string `json:"error,omitempty"`

	StartTime string `json:"startTime,omitempty"`

	// LagTimeSeconds is the last reported lag in seconds.
	LagTimeSeconds int64 `json:"lagTimeSeconds"`
	// EventsRead is the number of oplog entries read from the source.
	EventsRead int64 `json:"eventsRead"`
	// EventsApplied is the number of writes and commands applied.
	EventsApplied int64 `json:"eventsApplied"`
	// LastReplicatedOpTime is the last replicated operation time.
	LastReplicatedOpTime *lastReplicatedOpTime `json:"lastReplicatedOpTime,omitempty"`
}

type lastReplicatedOpTime struct {
	TS      string `json:"ts"`
	ISODate string `json:"isoDate"`
}
