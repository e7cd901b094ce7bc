// Package sanmetrics wires the srp and int13 packages' MetricsSink hooks
// to Prometheus counters and gauges.
package sanmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink is a single Prometheus-backed implementation satisfying both
// srp.MetricsSink and int13.MetricsSink, so one registry can observe the
// whole stack.
type Sink struct {
	loginCompleted        prometheus.Counter
	loginRejected         prometheus.Counter
	tagSpaceExhausted     prometheus.Counter
	responseForUnknownTag prometheus.Counter
	outstandingCount      prometheus.Gauge

	driveRegistered   prometheus.Counter
	driveUnregistered prometheus.Counter
	dispatchCalled    *prometheus.CounterVec
}

// New registers every san-boot metric with reg and returns a Sink ready to
// hand to an srp.Session and an int13.Registry.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		loginCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanboot_srp_login_completed_total",
			Help: "SRP LOGIN_RSP IUs received.",
		}),
		loginRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanboot_srp_login_rejected_total",
			Help: "SRP LOGIN_REJ IUs received.",
		}),
		tagSpaceExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanboot_srp_tag_space_exhausted_total",
			Help: "Times the SRP tag allocator cycled the full tag space without finding a free tag.",
		}),
		responseForUnknownTag: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanboot_srp_response_for_unknown_tag_total",
			Help: "SRP RSP IUs received for a tag with no outstanding command.",
		}),
		outstandingCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sanboot_srp_outstanding_commands",
			Help: "SRP commands currently awaiting a response.",
		}),
		driveRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanboot_int13_drive_registered_total",
			Help: "Drives hooked into the int13 registry.",
		}),
		driveUnregistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "sanboot_int13_drive_unregistered_total",
			Help: "Drives unhooked from the int13 registry.",
		}),
		dispatchCalled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sanboot_int13_dispatch_total",
			Help: "int13 calls dispatched, by firmware function code.",
		}, []string{"function"}),
	}
}

func (s *Sink) LoginCompleted()        { s.loginCompleted.Inc() }
func (s *Sink) LoginRejected()         { s.loginRejected.Inc() }
func (s *Sink) TagSpaceExhausted()     { s.tagSpaceExhausted.Inc() }
func (s *Sink) ResponseForUnknownTag() { s.responseForUnknownTag.Inc() }
func (s *Sink) OutstandingCount(n int) { s.outstandingCount.Set(float64(n)) }

func (s *Sink) DriveRegistered()   { s.driveRegistered.Inc() }
func (s *Sink) DriveUnregistered() { s.driveUnregistered.Inc() }
func (s *Sink) DispatchCalled(function byte) {
	s.dispatchCalled.WithLabelValues(functionName(function)).Inc()
}

func functionName(function byte) string {
	switch function {
	case 0x00:
		return "reset"
	case 0x01:
		return "get_last_status"
	case 0x02:
		return "read_chs"
	case 0x03:
		return "write_chs"
	case 0x08:
		return "get_parameters"
	case 0x15:
		return "get_disk_type"
	case 0x41:
		return "extensions_check"
	case 0x42:
		return "extended_read"
	case 0x43:
		return "extended_write"
	case 0x48:
		return "get_extended_parameters"
	default:
		return "unknown"
	}
}
