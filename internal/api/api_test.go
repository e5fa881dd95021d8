package api

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gekkominer/internal/registry"
)

func testServer(t *testing.T, ac *AccessControl) (net.Listener, *Server) {
	t.Helper()
	reg := registry.NewDeviceRegistry()
	s := NewServer(reg, ac, "test-rig")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(ln)
	t.Cleanup(func() { ln.Close() })
	return ln, s
}

func request(t *testing.T, addr string, line string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))
	_, err = conn.Write([]byte(line))
	require.NoError(t, err)
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	reply, err := bufio.NewReader(conn).ReadString(0)
	require.NoError(t, err)
	return reply
}

// TestLineReplyFraming pins §8 property 7's line-mode shape: every reply
// ends with "\n\x00" and fields are comma-separated with "|" between
// sections.
func TestLineReplyFraming(t *testing.T) {
	ln, _ := testServer(t, NewAccessControl())
	reply := request(t, ln.Addr().String(), "version\n")
	require.True(t, strings.HasSuffix(reply, "\n\x00"))
	require.Contains(t, reply, "STATUS=S")
	require.Contains(t, reply, "Code=0")
}

// TestJSONReplyFraming pins §8 property 7's JSON-mode shape: the response
// parses as JSON and contains exactly one STATUS array with one element.
func TestJSONReplyFraming(t *testing.T) {
	ln, _ := testServer(t, NewAccessControl())
	reply := request(t, ln.Addr().String(), `{"command":"version"}`+"\n")
	reply = strings.TrimRight(reply, "\x00")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(reply), &decoded))

	statuses, ok := decoded["STATUS"].([]interface{})
	require.True(t, ok)
	require.Len(t, statuses, 1)
}

// TestAccessDeniedForUnprivilegedQuit pins S5: a connection allowed only
// as group R sending the write-mode command "quit" gets STATUS E /
// MSG_ACCDENY with the documented message substring.
func TestAccessDeniedForUnprivilegedQuit(t *testing.T) {
	ac, err := ParseAllow("R:127.0.0.1")
	require.NoError(t, err)
	ln, s := testServer(t, ac)

	reply := request(t, ln.Addr().String(), "quit\n")
	require.Contains(t, reply, "STATUS=E")
	require.Contains(t, reply, "Code=45")
	require.Contains(t, reply, "Access denied to 'quit' command")
	require.False(t, s.QuitRequested())
}

// TestWriteGroupMayQuit pins the complement of S5: group W bypasses the
// per-group command list entirely.
func TestWriteGroupMayQuit(t *testing.T) {
	ln, s := testServer(t, NewAccessControl())
	request(t, ln.Addr().String(), "quit\n")
	require.True(t, s.QuitRequested())
}

func TestUnknownCommandIsInvalid(t *testing.T) {
	ln, _ := testServer(t, NewAccessControl())
	reply := request(t, ln.Addr().String(), "nosuchcommand\n")
	require.Contains(t, reply, "STATUS=E")
	require.Contains(t, reply, "Code=14")
}

func TestJoinedCommandsProduceTwoStatuses(t *testing.T) {
	ln, _ := testServer(t, NewAccessControl())
	reply := request(t, ln.Addr().String(), "version+summary\n")
	require.Equal(t, 2, strings.Count(reply, "STATUS="))
}

// TestNULTerminatedRequest pins §4.12's alternate request terminator: a
// command ending in '\0' instead of '\n' is handled identically.
func TestNULTerminatedRequest(t *testing.T) {
	ln, _ := testServer(t, NewAccessControl())
	reply := request(t, ln.Addr().String(), "version\x00")
	require.Contains(t, reply, "STATUS=S")
}
