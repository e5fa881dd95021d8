package api

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestDiscoveryRepliesToMatchingProbe pins §8 S6: given code "FTW",
// description "lab-rig-1", api port 4028, and a probe "cgminer-FTW-4029"
// from some sender, the responder unicasts "cgm-FTW-4028-lab-rig-1\0" to
// that sender's declared reply port.
func TestDiscoveryRepliesToMatchingProbe(t *testing.T) {
	replyConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer replyConn.Close()
	replyPort := replyConn.LocalAddr().(*net.UDPAddr).Port

	d := &Discovery{Code: "FTW", Description: "lab-rig-1", APIPort: 4028}
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33000}
	d.handleProbe("cgminer-FTW-"+strconv.Itoa(replyPort)+"\n", from)

	replyConn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	n, _, err := replyConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "cgm-FTW-4028-lab-rig-1\x00", string(buf[:n]))
}

func TestDiscoveryIgnoresMismatchedCode(t *testing.T) {
	replyConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer replyConn.Close()
	replyPort := replyConn.LocalAddr().(*net.UDPAddr).Port

	d := &Discovery{Code: "FTW", Description: "lab-rig-1", APIPort: 4028}
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33000}
	d.handleProbe("cgminer-XYZ-"+strconv.Itoa(replyPort)+"\n", from)

	replyConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 256)
	_, _, err = replyConn.ReadFromUDP(buf)
	require.Error(t, err)
}

func TestDiscoveryIgnoresMalformedPacket(t *testing.T) {
	d := &Discovery{Code: "FTW", Description: "lab-rig-1", APIPort: 4028}
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 33000}
	require.NotPanics(t, func() { d.handleProbe("not-a-valid-probe", from) })
	require.NotPanics(t, func() { d.handleProbe(strings.Repeat("x", 10), from) })
}

