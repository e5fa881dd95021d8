package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"gekkominer/internal/devtable"
	"gekkominer/internal/miner"
	"gekkominer/internal/usbtransport"
)

// AcquireRequest is one pending acquire/release request serialised onto
// the broker's single-writer queue (§5: "a process-global USB-resource
// broker thread that serialises cross-thread acquire/release requests via
// a single-writer work queue").
type AcquireRequest struct {
	Descriptor devtable.DeviceDescriptor
	Physical   usbtransport.PhysicalDevice
	Reply      chan acquireReply
}

type acquireReply struct {
	session *usbtransport.Session
	err     error
}

// Broker owns the gousb.Context and is the only goroutine that calls
// usbtransport.Acquire, so cross-thread races over a given (bus,address)
// resolve in request order. Sessions are released by their owners via
// Session.Release, outside the broker goroutine.
type Broker struct {
	ctx    *gousb.Context
	reqs   chan AcquireRequest
	limits devtable.Limits
	reg    *DeviceRegistry

	totalAcquired  int
	perDriverCount map[string]int
}

// NewBroker constructs a Broker against reg, enforcing limits.
func NewBroker(gctx *gousb.Context, reg *DeviceRegistry, limits devtable.Limits) *Broker {
	return &Broker{
		ctx:            gctx,
		reqs:           make(chan AcquireRequest, 16),
		limits:         limits,
		reg:            reg,
		perDriverCount: map[string]int{},
	}
}

// Run processes requests until ctx is cancelled, the serialised form of
// §5's broker thread.
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.reqs:
			b.handle(req)
		}
	}
}

func (b *Broker) handle(req AcquireRequest) {
	if !b.limits.Allowed(req.Descriptor.Driver, b.totalAcquired, b.perDriverCount[req.Descriptor.Driver]) {
		req.Reply <- acquireReply{nil, fmt.Errorf("registry: device limit reached for driver %s", req.Descriptor.Driver)}
		return
	}

	sess, err := usbtransport.Acquire(b.ctx, req.Descriptor, req.Physical)
	if err != nil {
		req.Reply <- acquireReply{nil, err}
		return
	}

	b.totalAcquired++
	b.perDriverCount[req.Descriptor.Driver]++
	req.Reply <- acquireReply{sess, nil}
}

// Acquire enqueues an acquire request and blocks for the broker's reply.
func (b *Broker) Acquire(descriptor devtable.DeviceDescriptor, pd usbtransport.PhysicalDevice) (*usbtransport.Session, error) {
	reply := make(chan acquireReply, 1)
	b.reqs <- AcquireRequest{Descriptor: descriptor, Physical: pd, Reply: reply}
	r := <-reply
	return r.session, r.err
}

// Release notifies the broker that driver's count should drop by one,
// after the caller has already released the session itself.
func (b *Broker) Release(driver string) {
	if b.totalAcquired > 0 {
		b.totalAcquired--
	}
	if b.perDriverCount[driver] > 0 {
		b.perDriverCount[driver]--
	}
}

// HotplugScanner periodically enumerates USB devices and acquires any
// match not already registered or blacklisted, bounding concurrent
// acquire probes with a weighted semaphore the way the teacher's
// discovery.go bounds concurrent subnet probes with a buffered channel.
type HotplugScanner struct {
	Broker   *Broker
	Registry *DeviceRegistry
	Interval time.Duration
	MaxConcurrentProbes int64
}

// NewHotplugScanner returns a scanner with the teacher's concurrency cap
// style (bounded, not unbounded fan-out).
func NewHotplugScanner(b *Broker, reg *DeviceRegistry) *HotplugScanner {
	return &HotplugScanner{Broker: b, Registry: reg, Interval: 5 * time.Second, MaxConcurrentProbes: 8}
}

// OnRegistered is invoked once per newly registered device, after the
// session is claimed and the DeviceState is in the registry, so the caller
// can start the per-device worker goroutines (§5: sender/receiver/dispatch)
// and, for MCU-equipped models, the telemetry poll loop (C11).
type OnRegistered func(h DeviceHandle, ds *miner.DeviceState, sess *usbtransport.Session, d devtable.DeviceDescriptor)

// Run scans until ctx is cancelled, probing newly seen physical devices
// concurrently via an errgroup bounded by a semaphore.
func (h *HotplugScanner) Run(ctx context.Context, gctx *gousb.Context, newDeviceState func(devtable.DeviceDescriptor) *miner.DeviceState, onReg OnRegistered) error {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.scanOnce(ctx, gctx, newDeviceState, onReg); err != nil {
				log.Printf("W hotplug scan: %v", err)
			}
		}
	}
}

func (h *HotplugScanner) scanOnce(ctx context.Context, gctx *gousb.Context, newDeviceState func(devtable.DeviceDescriptor) *miner.DeviceState, onReg OnRegistered) error {
	physical, err := usbtransport.ListDevices(gctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	sem := semaphore.NewWeighted(h.MaxConcurrentProbes)
	g, gctx2 := errgroup.WithContext(ctx)

	for _, pd := range physical {
		pd := pd
		if h.Registry.IsBlacklisted(pd.Bus, pd.Address) {
			continue
		}
		matches := devtable.Lookup(pd.VendorID, pd.ProductID)
		if len(matches) == 0 {
			continue
		}

		g.Go(func() error {
			if err := sem.Acquire(gctx2, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			return h.tryAcquire(matches, pd, newDeviceState, onReg)
		})
	}

	return g.Wait()
}

func (h *HotplugScanner) tryAcquire(matches []devtable.DeviceDescriptor, pd usbtransport.PhysicalDevice, newDeviceState func(devtable.DeviceDescriptor) *miner.DeviceState, onReg OnRegistered) error {
	for _, d := range matches {
		sess, err := h.Broker.Acquire(d, pd)
		if err != nil {
			continue // try the next fan-out descriptor (§4.2)
		}
		ds := newDeviceState(d)
		ds.Bus, ds.Address = pd.Bus, pd.Address
		ds.VendorID, ds.ProductID = pd.VendorID, pd.ProductID
		ds.Manufacturer, ds.Product, ds.Serial = pd.Manufacturer, pd.Product, pd.Serial
		handle, rerr := h.Registry.Register(pd.Bus, pd.Address, ds)
		if rerr != nil {
			sess.Release()
			return rerr
		}
		if onReg != nil {
			onReg(handle, ds, sess, d)
		}
		return nil
	}
	return nil
}
