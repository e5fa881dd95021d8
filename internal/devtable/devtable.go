// Package devtable holds the static, compile-time table of supported USB
// device descriptors (§4.2) and the per-driver/total device count limits
// consulted before C1's acquire() is ever called.
package devtable

import "gekkominer/internal/protocol"

// EndpointAttr distinguishes bulk from interrupt endpoints.
type EndpointAttr int

const (
	EndpointBulk EndpointAttr = iota
	EndpointInterrupt
)

// EndpointDirection is the USB transfer direction.
type EndpointDirection int

const (
	DirIn EndpointDirection = iota
	DirOut
)

// EndpointDescriptor is one endpoint a DeviceDescriptor expects to find.
// Index 0 is always the default IN endpoint, index 1 the default OUT
// endpoint, by convention inherited from the descriptor table layout.
type EndpointDescriptor struct {
	Attr       EndpointAttr
	Dir        EndpointDirection
	Address    byte
	MaxPacket  uint16
}

// InterfaceDescriptor names one USB interface a device must expose.
type InterfaceDescriptor struct {
	Number        int
	ControlNumber int // interface number used for control transfers
	Endpoints     []EndpointDescriptor
}

// DeviceDescriptor is one row of the static device table.
type DeviceDescriptor struct {
	Driver       string
	Family       protocol.AsicFamily
	VendorID     uint16
	ProductID    uint16
	Manufacturer string // optional disambiguator; empty matches any
	Product      string // optional disambiguator; empty matches any
	Config       int
	TimeoutMs    int
	LatencyMs    int // -1 means "unused" (non-FTDI parts)
	Interfaces   []InterfaceDescriptor
	IsFTDI       bool
	HasMCU       bool // secondary telemetry interface present (C11)
}

// FTDI-class vendor id shared by every Gekko-family USB bridge chip.
const ftdiVendorID = 0x0403

// Table is the static device descriptor table, ordered; the first entry
// whose (vendor, product) matches and whose manufacturer/product strings
// (if specified) don't conflict wins.
var Table = []DeviceDescriptor{
	{
		Driver:    "gekko-r606",
		Family:    protocol.FamilyBM1384,
		VendorID:  ftdiVendorID,
		ProductID: 0x6014,
		Config:    1,
		TimeoutMs: 100,
		LatencyMs: 10,
		IsFTDI:    true,
		Interfaces: []InterfaceDescriptor{
			{
				Number:        0,
				ControlNumber: 0,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointBulk, Dir: DirIn, Address: 0x81, MaxPacket: 512},
					{Attr: EndpointBulk, Dir: DirOut, Address: 0x02, MaxPacket: 512},
				},
			},
		},
	},
	{
		Driver:    "gekko-compac-f",
		Family:    protocol.FamilyBM1387,
		VendorID:  ftdiVendorID,
		ProductID: 0x6015,
		Config:    1,
		TimeoutMs: 100,
		LatencyMs: 2,
		IsFTDI:    true,
		Interfaces: []InterfaceDescriptor{
			{
				Number:        0,
				ControlNumber: 0,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointBulk, Dir: DirIn, Address: 0x81, MaxPacket: 64},
					{Attr: EndpointBulk, Dir: DirOut, Address: 0x02, MaxPacket: 64},
				},
			},
		},
	},
	{
		Driver:       "gekko-terminus",
		Family:       protocol.FamilyBM1397,
		VendorID:     ftdiVendorID,
		ProductID:    0x6014,
		Manufacturer: "GekkoScience",
		Product:      "Terminus",
		Config:       1,
		TimeoutMs:    100,
		LatencyMs:    2,
		IsFTDI:       true,
		HasMCU:       true,
		Interfaces: []InterfaceDescriptor{
			{
				Number:        0,
				ControlNumber: 0,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointBulk, Dir: DirIn, Address: 0x81, MaxPacket: 512},
					{Attr: EndpointBulk, Dir: DirOut, Address: 0x02, MaxPacket: 512},
				},
			},
			{
				Number:        1,
				ControlNumber: 1,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointInterrupt, Dir: DirIn, Address: 0x83, MaxPacket: 64},
					{Attr: EndpointInterrupt, Dir: DirOut, Address: 0x04, MaxPacket: 64},
				},
			},
		},
	},
	{
		Driver:       "gekko-terminus",
		Family:       protocol.FamilyBM1362,
		VendorID:     ftdiVendorID,
		ProductID:    0x6014,
		Manufacturer: "GekkoScience",
		Product:      "Terminus+",
		Config:       1,
		TimeoutMs:    100,
		LatencyMs:    2,
		IsFTDI:       true,
		HasMCU:       true,
		Interfaces: []InterfaceDescriptor{
			{
				Number:        0,
				ControlNumber: 0,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointBulk, Dir: DirIn, Address: 0x81, MaxPacket: 512},
					{Attr: EndpointBulk, Dir: DirOut, Address: 0x02, MaxPacket: 512},
				},
			},
			{
				Number:        1,
				ControlNumber: 1,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointInterrupt, Dir: DirIn, Address: 0x83, MaxPacket: 64},
					{Attr: EndpointInterrupt, Dir: DirOut, Address: 0x04, MaxPacket: 64},
				},
			},
		},
	},
	{
		Driver:    "gekko-r909",
		Family:    protocol.FamilyBM1370,
		VendorID:  ftdiVendorID,
		ProductID: 0x6011,
		Config:    1,
		TimeoutMs: 100,
		LatencyMs: 2,
		IsFTDI:    true,
		HasMCU:    true,
		Interfaces: []InterfaceDescriptor{
			{
				Number:        0,
				ControlNumber: 0,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointBulk, Dir: DirIn, Address: 0x81, MaxPacket: 512},
					{Attr: EndpointBulk, Dir: DirOut, Address: 0x02, MaxPacket: 512},
				},
			},
			{
				Number:        1,
				ControlNumber: 1,
				Endpoints: []EndpointDescriptor{
					{Attr: EndpointInterrupt, Dir: DirIn, Address: 0x83, MaxPacket: 64},
					{Attr: EndpointInterrupt, Dir: DirOut, Address: 0x04, MaxPacket: 64},
				},
			},
		},
	},
}

// Lookup returns every descriptor matching (vendor, product) in table
// order; disambiguation by manufacturer/product string happens in
// usbtransport.acquire, which skips entries whose non-empty Manufacturer
// or Product field doesn't match the live device.
func Lookup(vendor, product uint16) []DeviceDescriptor {
	var out []DeviceDescriptor
	for _, d := range Table {
		if d.VendorID == vendor && d.ProductID == product {
			out = append(out, d)
		}
	}
	return out
}

// Limits bounds how many devices of each driver family, and in total, may
// be acquired (§4.2, fed by the --usb CLI selector). Zero means unbounded.
type Limits struct {
	Total    int
	PerDrive map[string]int
}

// NewLimits returns an unbounded Limits value.
func NewLimits() Limits {
	return Limits{PerDrive: map[string]int{}}
}

// Allowed reports whether one more device of driver, given the counts
// already acquired, is permitted under l.
func (l Limits) Allowed(driver string, totalAcquired, driverAcquired int) bool {
	if l.Total > 0 && totalAcquired >= l.Total {
		return false
	}
	if cap, ok := l.PerDrive[driver]; ok && cap > 0 && driverAcquired >= cap {
		return false
	}
	return true
}
