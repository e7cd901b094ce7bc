// Command sanbootctl hooks a SAN target as an emulated int13 drive and
// serves Prometheus metrics for the running session, for manual testing of
// the scsi/srp/int13 stack against a real SRP target.
package main

import (
	"net/http"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	programName = "sanbootctl"
	programDesc = "Hook a SAN target as an emulated BIOS disk and exercise it"
)

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if cli.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	err := ctx.Run(&context{metrics: newMetricsServer()})
	ctx.FatalIfErrorf(err)
}

// context is the kong run-context shared by every subcommand.
type context struct {
	metrics *metricsServer
}

// metricsServer lazily starts the Prometheus /metrics endpoint the first
// time a command asks for it, so a plain "describe" invocation doesn't open
// a listening socket.
type metricsServer struct {
	registry *prometheus.Registry
	addr     string
	started  bool
}

func newMetricsServer() *metricsServer {
	return &metricsServer{registry: prometheus.NewRegistry()}
}

func (m *metricsServer) start(addr string) {
	if m.started {
		return
	}
	m.started = true
	m.addr = addr
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.WithError(err).Error("sanbootctl: metrics server exited")
		}
	}()
	logrus.WithField("addr", addr).Info("sanbootctl: serving /metrics")
}
