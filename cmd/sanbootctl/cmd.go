package main

import (
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-sanboot/blockio"
	"github.com/coreos/go-sanboot/int13"
	"github.com/coreos/go-sanboot/pump"
	"github.com/coreos/go-sanboot/sanmetrics"
	"github.com/coreos/go-sanboot/sbft"
	"github.com/coreos/go-sanboot/scsi"
	"github.com/coreos/go-sanboot/srp"
	"github.com/sirupsen/logrus"
)

type hookCmd struct {
	Target      string `flag:"" required:"" short:"t" help:"SRP target address, host:port"`
	LUN         string `flag:"" required:"" short:"l" help:"SCSI LUN, dash-separated hex (e.g. 0-0-0-0)"`
	Drive       string `flag:"" optional:"" default:"natural" short:"d" help:"Drive number to assign, hex (e.g. 80), or \"natural\""`
	MetricsAddr string `flag:"" optional:"" default:":9527" help:"Address to serve /metrics on"`
	BootTest    bool   `flag:"" optional:"" help:"After hooking, read and validate the boot sector"`
}

type describeCmd struct {
	Target string `flag:"" required:"" short:"t" help:"SRP target address, host:port"`
	LUN    string `flag:"" required:"" short:"l" help:"SCSI LUN, dash-separated hex (e.g. 0-0-0-0)"`
}

var cli struct {
	Hook     hookCmd     `cmd:"" help:"Hook a SAN target as an emulated int13 drive"`
	Describe describeCmd `cmd:"" help:"Log in to a target and print its boot-firmware table"`
	Debug    bool        `flag:"" optional:"" help:"Enable debug logging"`
}

func dialTarget(addr string) (*srp.NetSocket, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return srp.NewNetSocket(conn), nil
}

func (h *hookCmd) Run(ctx *context) error {
	lun, err := scsi.ParseLUN(h.LUN)
	if err != nil {
		return fmt.Errorf("parse LUN: %w", err)
	}

	sock, err := dialTarget(h.Target)
	if err != nil {
		return err
	}

	var initiatorPort, targetPort [16]byte
	session, err := srp.Open(sock, initiatorPort, targetPort, lun)
	if err != nil {
		return fmt.Errorf("srp.Open: %w", err)
	}

	metrics := sanmetrics.New(ctx.metrics.registry)
	session.Metrics = metrics
	go sock.Pump(session)

	scsiSession := scsi.NewSession(session)
	dev := blockio.NewSessionBlockDevice(scsiSession, session.Window)

	registry := int13.NewRegistry(pump.FuncScheduler(func() { time.Sleep(time.Millisecond) }))
	registry.Metrics = metrics

	requested := byte(int13.UseNatural)
	if h.Drive != "natural" {
		var parsed uint64
		if _, err := fmt.Sscanf(h.Drive, "%x", &parsed); err != nil {
			return fmt.Errorf("parse drive number %q: %w", h.Drive, err)
		}
		requested = byte(parsed)
	}

	assigned, err := registry.Hook(h.Target+"/"+h.LUN, dev, requested, int13.Geometry{})
	if err != nil {
		return fmt.Errorf("Hook: %w", err)
	}
	logrus.WithField("assigned", fmt.Sprintf("%#x", assigned)).Info("sanbootctl: drive hooked")

	ctx.metrics.start(h.MetricsAddr)

	if h.BootTest {
		err := registry.Boot(assigned, func(sector []byte, driveNumber byte) error {
			logrus.WithField("drive", fmt.Sprintf("%#x", driveNumber)).
				Info("sanbootctl: boot sector validated, would hand off here")
			return nil
		})
		if err != nil {
			return fmt.Errorf("Boot: %w", err)
		}
	}

	select {}
}

func (d *describeCmd) Run(ctx *context) error {
	lun, err := scsi.ParseLUN(d.LUN)
	if err != nil {
		return fmt.Errorf("parse LUN: %w", err)
	}

	sock, err := dialTarget(d.Target)
	if err != nil {
		return err
	}

	var initiatorPort, targetPort [16]byte
	session, err := srp.Open(sock, initiatorPort, targetPort, lun)
	if err != nil {
		return fmt.Errorf("srp.Open: %w", err)
	}
	go sock.Pump(session)

	table := sbft.Build(session)
	fmt.Printf("boot firmware table (%d bytes, checksum valid: %v):\n% x\n",
		len(table), sbft.VerifyChecksum(table), table)
	return nil
}
