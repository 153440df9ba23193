package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/Deathtanium/elastalert2/internal/config"
	"github.com/Deathtanium/elastalert2/internal/engine"
	"github.com/Deathtanium/elastalert2/internal/metrics"
	"github.com/Deathtanium/elastalert2/internal/notify"
	"github.com/Deathtanium/elastalert2/internal/query"
	"github.com/Deathtanium/elastalert2/internal/rules"
	"github.com/Deathtanium/elastalert2/internal/scheduler"
	"github.com/Deathtanium/elastalert2/internal/silence"
	"github.com/Deathtanium/elastalert2/internal/util"
	"github.com/Deathtanium/elastalert2/internal/writeback"
)

func main() {
	var args config.Args
	var patience string

	root := &cobra.Command{
		Use:           "elastalert",
		Short:         "Query-driven alerting on Elasticsearch and OpenSearch",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if patience != "" {
				span, err := util.ParseDurationArg(patience)
				if err != nil {
					return fmt.Errorf("bad --patience value: %w", err)
				}
				args.Patience = span
			}
			if args.Debug && args.Verbose {
				log.Println("[main] --debug implies --verbose; ignoring --verbose")
			}
			return run(args)
		},
	}
	f := root.Flags()
	f.StringVar(&args.ConfigFile, "config", "config.yaml", "global configuration file")
	f.BoolVar(&args.Debug, "debug", false, "use the debug alerter and suppress writeback writes")
	f.BoolVar(&args.Verbose, "verbose", false, "increase logging verbosity")
	f.StringVar(&args.Rule, "rule", "", "run only the rule in this file")
	f.StringVar(&args.Silence, "silence", "", "silence a rule for <units>=<number> (e.g. hours=4) and exit; requires --rule")
	f.StringVar(&args.SilenceQKValue, "silence_qk_value", "", "silence only this query key value")
	f.StringVar(&args.Start, "start", "", "query from this ISO8601 timestamp, or NOW")
	f.StringVar(&args.End, "end", "", "query up to this ISO8601 timestamp, run each rule once and exit")
	f.StringVar(&patience, "patience", "", "wait <units>=<number> for the backend to become responsive (e.g. minutes=5)")
	f.BoolVar(&args.PinRules, "pin_rules", false, "ignore rule file changes while running")
	f.BoolVar(&args.ESDebug, "es_debug", false, "log backend request bodies")
	f.StringVar(&args.ESDebugTrace, "es_debug_trace", "", "append a curl rendition of every backend call to this file")
	f.IntVar(&args.PrometheusPort, "prometheus_port", 0, "serve metrics and health on this port")
	f.StringVar(&args.PrometheusAddr, "prometheus_addr", "0.0.0.0", "bind address of the metrics server")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(args config.Args) error {
	conf, err := config.Load(args.ConfigFile)
	if err != nil {
		return err
	}
	if args.Debug {
		args.Verbose = true
		log.Println("[main] Note: In debug mode, alerts will be logged but NOT actually sent, and nothing is written back")
	}
	if args.Start == "NOW" {
		args.Start = util.FormatTS(util.Now())
	}
	conf.Args = args

	client := query.NewClient(conf.ESURL)
	client.Username = conf.ESUsername
	client.Password = conf.ESPassword
	client.Debug = args.ESDebug

	store := writeback.NewStore(client, conf.WritebackIndex)
	store.Suffixed = conf.WritebackSuffixed
	store.MaxAggregation = conf.MaxAggregation
	store.Debug = args.Debug

	ctx := context.Background()
	if args.Patience > 0 {
		if err := store.WaitUntilResponsive(ctx, args.Patience); err != nil {
			return fmt.Errorf("writeback index not responsive: %w", err)
		}
	}

	silencer := silence.NewSilencer(store)
	silencer.Debug = args.Debug

	loader := rules.NewFileLoader(conf)

	if args.Silence != "" {
		return silenceRule(ctx, loader, silencer, args)
	}

	eng := engine.New(conf, store, silencer)
	eng.Debug = args.Debug
	eng.Metrics = metrics.New()
	if len(conf.NotifyEmail) > 0 {
		eng.Notifier = &notify.Notifier{
			Email:    conf.NotifyEmail,
			FromAddr: conf.FromAddr,
			SMTPHost: conf.SMTPHost,
		}
	}
	if args.ESDebugTrace != "" {
		trace, err := os.OpenFile(args.ESDebugTrace, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer trace.Close()
		client.Trace = trace
		eng.Trace = trace
	}

	sched := scheduler.NewScheduler(eng, loader, conf)
	if err := sched.Start(); err != nil {
		return err
	}

	if args.PrometheusPort > 0 {
		go serveMetrics(eng, args.PrometheusAddr, args.PrometheusPort)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[main] shutting down")
		sched.Stop()
		os.Exit(0)
	}()

	if args.End != "" {
		// Bounded run: every rule covers up to --end once.
		sched.Wait()
		sched.Stop()
		log.Println("[main] bounded run complete")
		return nil
	}
	sched.Wait()
	return nil
}

// silenceRule installs a silence for the rule in --rule and exits, the
// operational mute switch for a noisy rule.
func silenceRule(ctx context.Context, loader rules.Loader, silencer *silence.Silencer, args config.Args) error {
	if args.Rule == "" {
		return fmt.Errorf("--silence requires --rule")
	}
	span, err := util.ParseDurationArg(args.Silence)
	if err != nil {
		return fmt.Errorf("bad --silence value: %w", err)
	}
	loaded, err := loader.Load(args.Rule)
	if err != nil || len(loaded) == 0 {
		return fmt.Errorf("could not load rule %s: %w", args.Rule, err)
	}
	r := loaded[0]

	key := r.Name + "._silence"
	if args.SilenceQKValue != "" {
		key = r.RealertKey
		if key == "" {
			key = r.Name
		}
		key += "." + args.SilenceQKValue
	}
	until := util.Now().Add(span)
	if err := silencer.SetRealert(ctx, key, until, 0); err != nil {
		return fmt.Errorf("persist silence: %w", err)
	}
	log.Printf("[main] silenced %s until %s", key, util.PrettyTS(until))
	return nil
}

// serveMetrics exposes the prometheus registry and a liveness probe.
func serveMetrics(eng *engine.Engine, addr string, port int) {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(eng.Metrics.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})
	bind := fmt.Sprintf("%s:%d", addr, port)
	log.Printf("[main] metrics listening on %s", bind)
	if err := r.Run(bind); err != nil {
		log.Printf("[main] metrics server stopped: %v", err)
	}
}
