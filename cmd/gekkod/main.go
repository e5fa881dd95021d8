// gekkod: USB device-driver core for SHA-256 ASIC mining hardware
// Copyright (C) 2026  gekkominer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// gekkod owns the USB-resource broker, the per-device worker goroutines,
// and the JSON/line text API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gousb"

	"gekkominer/internal/api"
	"gekkominer/internal/devtable"
	"gekkominer/internal/miner"
	"gekkominer/internal/pool"
	"gekkominer/internal/protocol"
	"gekkominer/internal/registry"
	"gekkominer/internal/statemachine"
	"gekkominer/internal/telemetry"
	"gekkominer/internal/usbtransport"
	"gekkominer/internal/worker"
)

var (
	usbSelector = flag.String("usb", "", "device selector: :N (total cap), bus:dev[,...] (allow list), or DRV:N (per-driver cap)")
	usbDump     = flag.Bool("usb-dump", false, "accepted but not acted on: no endpoint dump is logged")
	usbListAll  = flag.Bool("usb-list-all", false, "list every USB device seen, matched or not, then exit")

	apiListen      = flag.Bool("api-listen", true, "run the JSON/line text API TCP listener")
	apiHost        = flag.String("api-host", "127.0.0.1", "API TCP listen host")
	apiPort        = flag.Int("api-port", 4028, "API TCP listen port")
	apiAllow       = flag.String("api-allow", "", "comma-separated [W:]IP[/prefix] allow-list terms")
	apiNetwork     = flag.Bool("api-network", false, "accept API connections beyond the allow-list, as group R")
	apiGroups      = flag.String("api-groups", "", "group command lists, e.g. \"A:summary|devs,B:version\"")
	apiDescription = flag.String("api-description", "gekkod", "banner text returned in STATUS records")

	apiMcast     = flag.Bool("api-mcast", false, "run the UDP multicast discovery responder")
	apiMcastAddr = flag.String("api-mcast-addr", "224.0.0.75", "multicast group address")
	apiMcastPort = flag.Int("api-mcast-port", 4028, "multicast group port")
	apiMcastCode = flag.String("api-mcast-code", "FTW", "multicast discovery code clients probe for")
	apiMcastDes  = flag.String("api-mcast-des", "", "description returned in multicast discovery replies")

	gekkoStartFreq  = flag.Float64("gekko-start-freq", 100.0, "initial frequency (MHz) applied when cores open")
	gekkoStepFreq   = flag.Float64("gekko-step-freq", 6.25, "frequency step size (MHz) per adjust window")
	gekkoStepDelay  = flag.Duration("gekko-step-delay", time.Second, "accepted but not acted on: frequency steps use the state machine's 1s adjust window")
	gekkoGshFreq    = flag.Float64("gekko-gsh-freq", 400.0, "target operating frequency (MHz) for GSH-class devices")
	gekkoGshVcore   = flag.Int("gekko-gsh-vcore", 1200, "accepted but not acted on: no core voltage is set from it")
	gekkoTuneUp     = flag.Float64("gekko-tune-up", 1.0, "auto-tune: ratio above expected hashrate before stepping up")
	gekkoTuneDown   = flag.Float64("gekko-tune-down", 0.9, "auto-tune: ratio below expected hashrate before stepping down")
	gekkoSerial     = flag.String("gekko-serial", "", "accepted but not acted on: devices are not filtered by serial string")
)

// bindRetryInterval and bindRetryBudget implement §6's exit-code-1 path:
// a bind failure is retried every 30s for up to 61s before giving up.
const (
	bindRetryInterval = 30 * time.Second
	bindRetryBudget   = 61 * time.Second
)

func main() {
	flag.Parse()

	limits, err := parseUSBSelector(*usbSelector)
	if err != nil {
		log.Printf("F invalid --usb selector %q: %v", *usbSelector, err)
		os.Exit(1)
	}

	access, err := buildAccessControl()
	if err != nil {
		log.Printf("F invalid API group configuration: %v", err)
		os.Exit(1)
	}

	gctx := gousb.NewContext()
	defer gctx.Close()

	if *usbListAll {
		listAllAndExit(gctx)
	}

	reg := registry.NewDeviceRegistry()
	broker := registry.NewBroker(gctx, reg, limits)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go broker.Run(ctx)

	src := pool.NewNullSource()
	runner := newDeviceRunner(reg, broker, src)

	scanner := registry.NewHotplugScanner(broker, reg)
	go func() {
		if err := scanner.Run(ctx, gctx, runner.newDeviceState, runner.onRegistered); err != nil && ctx.Err() == nil {
			log.Printf("W hotplug scanner stopped: %v", err)
		}
	}()

	server := api.NewServer(reg, access, *apiDescription)
	server.OnQuit(cancel)
	server.OnRestart(cancel)

	var ln net.Listener
	if *apiListen {
		ln, err = listenWithRetry(fmt.Sprintf("%s:%d", *apiHost, *apiPort))
		if err != nil {
			log.Printf("F api: %v", err)
			os.Exit(1)
		}
		go func() {
			if err := server.Serve(ln); err != nil && ctx.Err() == nil {
				log.Printf("W api: accept loop stopped: %v", err)
			}
		}()
		log.Printf("I api: listening on %s", ln.Addr())
	}

	var disc *api.Discovery
	if *apiMcast {
		des := *apiMcastDes
		if des == "" {
			des = *apiDescription
		}
		disc, err = api.NewDiscovery(*apiMcastAddr, *apiMcastPort, *apiMcastCode, des, *apiPort)
		if err != nil {
			log.Printf("W api: multicast discovery disabled: %v", err)
		} else {
			go func() {
				if err := disc.Serve(); err != nil && ctx.Err() == nil {
					log.Printf("W api: multicast discovery stopped: %v", err)
				}
			}()
			log.Printf("I api: multicast discovery on %s:%d code=%s", *apiMcastAddr, *apiMcastPort, *apiMcastCode)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("I gekkod: shutdown signal received")
	case <-ctx.Done():
		log.Printf("I gekkod: shutdown requested via API")
	}

	cancel()
	if ln != nil {
		ln.Close()
	}
	if disc != nil {
		disc.Close()
	}
	runner.shutdownAll()
}

// deviceRunner wires a freshly registered DeviceState to its three worker
// goroutines (C7/C8/C9) plus, on MCU-equipped models, a telemetry poll
// loop, matching §5's per-device thread set.
type deviceRunner struct {
	reg    *registry.DeviceRegistry
	broker *registry.Broker
	src    pool.Source

	mu    sync.Mutex
	stops map[registry.DeviceHandle]chan struct{}
}

func newDeviceRunner(reg *registry.DeviceRegistry, broker *registry.Broker, src pool.Source) *deviceRunner {
	return &deviceRunner{reg: reg, broker: broker, src: src, stops: map[registry.DeviceHandle]chan struct{}{}}
}

// onRegistered starts the sender, receiver, and nonce-dispatch goroutines
// (C7/C8/C9) for a newly acquired device, per §5's per-device thread set,
// plus the telemetry poll loop (C11) on models with an auxiliary MCU.
func (r *deviceRunner) onRegistered(h registry.DeviceHandle, ds *miner.DeviceState, sess *usbtransport.Session, d devtable.DeviceDescriptor) {
	deviceID := fmt.Sprintf("%s-%d", d.Driver, h)
	stop := make(chan struct{})

	r.mu.Lock()
	r.stops[h] = stop
	r.mu.Unlock()

	sender := worker.NewSender(ds, sess, r.src, deviceID)
	receiver := worker.NewReceiver(ds, sess, deviceID)
	dispatcher := worker.NewDispatcher(ds, r.src, deviceID, int(h))

	ctx := context.Background()
	go sender.Run(ctx, stop)
	go receiver.Run(ctx, stop)
	go ds.WatchStop(stop)
	go dispatcher.Run(stop)

	if d.HasMCU {
		mcu := telemetry.NewChannel(sess)
		go mcu.Run(ctx, ds, 5*time.Second, stop)
	}

	go func() {
		<-stop
		sess.Release()
		r.broker.Release(d.Driver)
		r.reg.Unregister(h)
	}()

	log.Printf("I registry: device %s (bus=%d addr=%d) online", deviceID, ds.Bus, ds.Address)
}

// newDeviceState builds the initial DeviceState for a newly matched
// descriptor, applying the --gekko-* tunables (§6).
func (r *deviceRunner) newDeviceState(d devtable.DeviceDescriptor) *miner.DeviceState {
	minJobID, maxJobID, addJobID := jobIDRangeFor(d.Family)
	ds := miner.NewDeviceState(d.Family, minJobID, maxJobID, addJobID)
	ds.Driver = d.Driver
	ds.FrequencyStart = *gekkoStartFreq
	ds.FrequencyDefault = *gekkoGshFreq
	ds.FrequencyRequested = *gekkoGshFreq
	ds.StepFreq = *gekkoStepFreq
	ds.AsicBoost = d.Family.AsicBoost()
	ds.HRScale = 1.0
	ds.TuneUp = *gekkoTuneUp
	ds.TuneDown = *gekkoTuneDown
	return ds
}

func jobIDRangeFor(family protocol.AsicFamily) (min, max, add byte) {
	stride := family.JobIDStride()
	if family == protocol.FamilyBM1384 {
		return 0, 0x7F, 1
	}
	return 0, 0xFB, stride
}

func (r *deviceRunner) shutdownAll() {
	for _, h := range r.reg.All() {
		ds, ok := r.reg.Lookup(h)
		if !ok {
			continue
		}
		statemachine.RequestShutdown(ds)
	}
	r.mu.Lock()
	stops := make([]chan struct{}, 0, len(r.stops))
	for _, stop := range r.stops {
		stops = append(stops, stop)
	}
	r.mu.Unlock()
	for _, stop := range stops {
		close(stop)
	}
}

func buildAccessControl() (*api.AccessControl, error) {
	ac, err := api.ParseAllow(*apiAllow)
	if err != nil {
		return nil, err
	}
	ac.SetNetwork(*apiNetwork)
	for _, term := range strings.Split(*apiGroups, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		parts := strings.SplitN(term, ":", 2)
		if len(parts) != 2 || len(parts[0]) != 1 {
			return nil, fmt.Errorf("malformed --api-groups term %q", term)
		}
		ac.SetGroupCommands(parts[0][0], parts[1])
	}
	return ac, nil
}

// parseUSBSelector implements §6's --usb grammar: ":N" (total cap),
// "bus:dev[,...]" (explicit allow list, not yet consulted by the hotplug
// scanner beyond the cap it implies), or "DRV:N" (per-driver cap).
func parseUSBSelector(sel string) (devtable.Limits, error) {
	limits := devtable.NewLimits()
	if sel == "" {
		return limits, nil
	}
	for _, term := range strings.Split(sel, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.HasPrefix(term, ":") {
			n, err := strconv.Atoi(term[1:])
			if err != nil {
				return limits, fmt.Errorf("bad total cap %q: %w", term, err)
			}
			limits.Total = n
			continue
		}
		parts := strings.SplitN(term, ":", 2)
		if len(parts) != 2 {
			return limits, fmt.Errorf("unrecognized --usb term %q", term)
		}
		if _, berr := strconv.Atoi(parts[0]); berr != nil {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				limits.PerDrive[parts[0]] = n
				continue
			}
		}
		// bus:dev form: accepted but only enforced as an implicit total
		// cap of one per listed pair, since per-bus allow-listing lives
		// in the hotplug scanner's device enumeration, not here.
		limits.Total++
	}
	return limits, nil
}

func listAllAndExit(gctx *gousb.Context) {
	devs, err := usbtransport.ListDevices(gctx)
	if err != nil {
		log.Printf("F usb-list-all: %v", err)
		os.Exit(1)
	}
	for _, d := range devs {
		matches := devtable.Lookup(d.VendorID, d.ProductID)
		log.Printf("I usb: bus=%d addr=%d vid=%04x pid=%04x matches=%d",
			d.Bus, d.Address, d.VendorID, d.ProductID, len(matches))
	}
	os.Exit(0)
}

func listenWithRetry(addr string) (net.Listener, error) {
	deadline := time.Now().Add(bindRetryBudget)
	var lastErr error
	for {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("bind %s: %w (gave up after %s)", addr, lastErr, bindRetryBudget)
		}
		log.Printf("W api: bind %s failed, retrying in %s: %v", addr, bindRetryInterval, err)
		time.Sleep(bindRetryInterval)
	}
}
