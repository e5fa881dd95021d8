// Package usbtransport implements C1: a thin session abstraction over
// google/gousb providing enumerate/acquire/release/read/write/control/reset
// with per-(bus,address) cross-process locking, FTDI status-byte stripping,
// stall recovery, and cancellable reads (§4.1).
package usbtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"gekkominer/internal/devtable"
	"gekkominer/internal/protocol"
)

// PhysicalDevice is what list_devices returns: enough to pick a descriptor
// without opening anything.
type PhysicalDevice struct {
	Bus, Address         int
	VendorID, ProductID  uint16
	Manufacturer, Product, Serial string

	desc *gousb.DeviceDesc
}

// ListDevices enumerates USB devices without opening any of them (§4.1).
func ListDevices(ctx *gousb.Context) ([]PhysicalDevice, error) {
	var out []PhysicalDevice
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		out = append(out, PhysicalDevice{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
			desc:      desc,
		})
		return false // never actually open here; we just wanted the descriptors
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("enumerate usb devices: %w", err)
	}
	return out, nil
}

// Session is one claimed device, usable for read/write/control until
// Release or a DeviceLost error tears it down.
type Session struct {
	rw sync.RWMutex // read lock for reads; write lock for writes/control/reset

	bus, address int
	desc         devtable.DeviceDescriptor

	bl *busLock

	gousbDev  *gousb.Device
	gousbCfg  *gousb.Config
	claimed   []*gousb.Interface
	endpoints map[int][]endpoint

	spill []byte

	lastWrite time.Time

	cancelMu sync.Mutex
	cancels  map[*context.CancelFunc]struct{}

	nodev bool
}

type endpoint struct {
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

// Acquire implements §4.1 steps 1-8. On a disambiguation mismatch it
// returns ErrIgnoreDescriptor so the caller tries the next table entry.
func Acquire(gctx *gousb.Context, d devtable.DeviceDescriptor, pd PhysicalDevice) (sess *Session, err error) {
	// Step 1: cross-process lock.
	bl, err := acquireBusLock(pd.Bus, pd.Address)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			bl.release()
		}
	}()

	// Step 2: open, read device descriptor.
	devs, oerr := gctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == pd.Bus && desc.Address == pd.Address
	})
	if oerr != nil || len(devs) == 0 {
		return nil, fmt.Errorf("open device bus=%d addr=%d: %w", pd.Bus, pd.Address, ErrNoDevice)
	}
	dev := devs[0]
	defer func() {
		if err != nil {
			dev.Close()
		}
	}()

	// Step 3: manufacturer/product disambiguation.
	if d.Manufacturer != "" {
		if m, merr := dev.Manufacturer(); merr == nil && m != d.Manufacturer {
			return nil, ErrIgnoreDescriptor
		}
	}
	if d.Product != "" {
		if p, perr := dev.Product(); perr == nil && p != d.Product {
			return nil, ErrIgnoreDescriptor
		}
	}

	// Step 4: detach kernel driver, best effort.
	dev.SetAutoDetach(true)

	// Step 5: configuration.
	if dev.Desc.Config != d.Config {
		if _, cerr := dev.Config(d.Config); cerr != nil {
			return nil, fmt.Errorf("set configuration %d: %w", d.Config, cerr)
		}
	}
	cfg, cerr := dev.Config(d.Config)
	if cerr != nil {
		return nil, fmt.Errorf("open configuration %d: %w", d.Config, cerr)
	}
	defer func() {
		if err != nil {
			cfg.Close()
		}
	}()

	sess = &Session{
		bus: pd.Bus, address: pd.Address,
		desc:      d,
		bl:        bl,
		gousbDev:  dev,
		gousbCfg:  cfg,
		endpoints: map[int][]endpoint{},
		cancels:   map[*context.CancelFunc]struct{}{},
	}

	// Steps 6-7: claim every interface, tracking endpoints found.
	for _, id := range d.Interfaces {
		intf, ierr := cfg.Interface(id.Number, 0)
		if ierr != nil {
			return nil, fmt.Errorf("claim interface %d: %w", id.Number, ierr)
		}
		sess.claimed = append(sess.claimed, intf)

		var eps []endpoint
		for _, ed := range id.Endpoints {
			switch ed.Dir {
			case devtable.DirIn:
				in, eerr := intf.InEndpoint(int(ed.Address &^ 0x80))
				if eerr != nil {
					return nil, fmt.Errorf("endpoint in 0x%02x not found: %w", ed.Address, eerr)
				}
				eps = append(eps, endpoint{in: in})
			case devtable.DirOut:
				out, eerr := intf.OutEndpoint(int(ed.Address))
				if eerr != nil {
					return nil, fmt.Errorf("endpoint out 0x%02x not found: %w", ed.Address, eerr)
				}
				eps = append(eps, endpoint{out: out})
			}
		}
		sess.endpoints[id.Number] = eps
	}

	// Step 8: re-check configuration didn't drift.
	if dev.Desc.Config != d.Config {
		return nil, ErrConfigDrift
	}

	return sess, nil
}

// Release reverses acquire: interfaces, then config, then device, then the
// bus lock (§4.1 "7 -> 5 -> 4 -> 1").
func (s *Session) Release() {
	s.rw.Lock()
	defer s.rw.Unlock()

	for _, intf := range s.claimed {
		intf.Close()
	}
	s.claimed = nil
	if s.gousbCfg != nil {
		s.gousbCfg.Close()
		s.gousbCfg = nil
	}
	if s.gousbDev != nil {
		s.gousbDev.Close()
		s.gousbDev = nil
	}
	s.bl.release()
}

// IsFTDI reports whether this session's bridge chip strips a 2-byte modem
// status header from every bulk-in read (§4.1).
func (s *Session) IsFTDI() bool { return s.desc.IsFTDI }

// Family is the ASIC family this descriptor speaks.
func (s *Session) Family() protocol.AsicFamily { return s.desc.Family }
