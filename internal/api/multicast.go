package api

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
)

// Discovery answers the UDP multicast probe described by §4.12/§8 S6:
// a client broadcasts "cgminer-<code>-<replyport>" to the multicast
// group and this responder unicasts "cgm-<code>-<apiport>-<description>"
// back to the sender.
type Discovery struct {
	Code        string // identifier clients probe for, e.g. "FTW"
	Description string
	APIPort     int
	conn        *net.UDPConn
}

// NewDiscovery joins group:port as a multicast listener.
func NewDiscovery(group string, port int, code, description string, apiPort int) (*Discovery, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(group), Port: port}
	conn, err := net.ListenMulticastUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("api: join multicast group %s:%d: %w", group, port, err)
	}
	conn.SetReadBuffer(1500)
	return &Discovery{Code: code, Description: description, APIPort: apiPort, conn: conn}, nil
}

// Close leaves the multicast group.
func (d *Discovery) Close() error { return d.conn.Close() }

// Serve reads probe packets until the connection is closed.
func (d *Discovery) Serve() error {
	buf := make([]byte, 1500)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		d.handleProbe(string(buf[:n]), from)
	}
}

func (d *Discovery) handleProbe(packet string, from *net.UDPAddr) {
	packet = strings.TrimRight(packet, "\n\x00")
	parts := strings.Split(packet, "-")
	if len(parts) != 3 || parts[0] != "cgminer" {
		return
	}
	code := parts[1]
	if code != d.Code {
		return
	}
	replyPort, err := strconv.Atoi(parts[2])
	if err != nil {
		return
	}

	reply := fmt.Sprintf("cgm-%s-%d-%s\x00", d.Code, d.APIPort, d.Description)
	dst := &net.UDPAddr{IP: from.IP, Port: replyPort}
	out, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		log.Printf("W api: discovery reply dial %s: %v", dst, err)
		return
	}
	defer out.Close()
	if _, err := out.Write([]byte(reply)); err != nil {
		log.Printf("W api: discovery reply write %s: %v", dst, err)
	}
}
