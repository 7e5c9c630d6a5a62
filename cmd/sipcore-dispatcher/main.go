// Command sipcore-dispatcher runs a standalone SIP transaction dispatcher
// on top of a single UDP socket, exposing Prometheus metrics and a health
// endpoint the way the reference proxysip command does.
package main

import (
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"runtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	_ "net/http/pprof"

	"github.com/sipcore/sipcore/dispatch"
	"github.com/sipcore/sipcore/metrics"
	"github.com/sipcore/sipcore/sip"
	"github.com/sipcore/sipcore/timer"
)

func main() {
	debflag := flag.Bool("debug", false, "")
	listenAddr := flag.String("listen", "127.0.0.1:5060", "UDP address to listen on")
	metricsAddr := flag.String("metrics", ":8080", "address for /metrics and /health")
	flag.Parse()

	level := zerolog.InfoLevel
	if *debflag {
		level = zerolog.DebugLevel
	}
	zlogger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "2006-01-02 15:04:05.000",
	}).With().Timestamp().Logger().Level(level)

	slogLevel := slog.LevelInfo
	if *debflag {
		slogLevel = slog.LevelDebug
	}
	log := slog.New(slogzerolog.Option{Level: slogLevel, Logger: &zlogger}.NewZerologHandler())
	slog.SetDefault(log)
	dispatch.SetDefaultLogger(log)

	log.Info("runtime", "cpus", runtime.NumCPU())

	channel, err := dispatch.ListenUDP(*listenAddr, log)
	if err != nil {
		log.Error("failed to open udp listener", "addr", *listenAddr, "err", err)
		os.Exit(1)
	}

	wheel := timer.NewWheel()
	defer wheel.Stop()

	d := dispatch.NewDispatcher(channel, wheel,
		dispatch.WithLogger(log),
		dispatch.WithRequestHandler(func(req *sip.Request, remote string) {
			log.Debug("unmatched request", "remote", remote, "msg", req.Short())
		}),
		dispatch.WithResponseHandler(func(res *sip.Response, remote string) {
			log.Debug("unmatched response", "remote", remote, "msg", res.Short())
		}),
	)
	defer d.Close()

	log.Info("dispatcher listening", "addr", channel.LocalEndpoint())

	go httpServer(*metricsAddr, log)

	select {}
}

func httpServer(address string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Alive"))
	})
	mux.HandleFunc("/mem", func(w http.ResponseWriter, r *http.Request) {
		runtime.GC()
		stats := &runtime.MemStats{}
		runtime.ReadMemStats(stats)
		data, _ := json.MarshalIndent(stats, "", "  ")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	})

	log.Info("http server started", "addr", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Error("http server exited", "err", err)
	}
}
