package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"gekkominer/internal/registry"
)

// Server is the TCP listener half of C12 (§4.12).
type Server struct {
	Registry    *registry.DeviceRegistry
	Access      *AccessControl
	Description string
	Groups      map[byte]string // parsed from --api-groups

	commands map[string]Command

	mu       sync.Mutex
	quit     bool
	restart  bool
	onQuit   func()
	onRestart func()
}

// NewServer builds a Server with the default command set registered.
func NewServer(reg *registry.DeviceRegistry, ac *AccessControl, description string) *Server {
	s := &Server{
		Registry:    reg,
		Access:      ac,
		Description: description,
		commands:    map[string]Command{},
	}
	s.registerDefaultCommands()
	return s
}

// OnQuit/OnRestart register the process-wide collaborators (kill_work /
// app_restart) that the quit and restart commands call. The callback runs
// while the command is handled, before its reply is written; the reply is
// the ordinary success STATUS record with Msg QUIT or RESTART.
func (s *Server) OnQuit(fn func())    { s.onQuit = fn }
func (s *Server) OnRestart(fn func()) { s.onRestart = fn }

func (s *Server) requestQuit() {
	s.mu.Lock()
	s.quit = true
	cb := s.onQuit
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}
func (s *Server) requestRestart() {
	s.mu.Lock()
	s.restart = true
	cb := s.onRestart
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// QuitRequested/RestartRequested let cmd/gekkod poll server state instead
// of relying solely on the OnQuit/OnRestart callbacks.
func (s *Server) QuitRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quit
}
func (s *Server) RestartRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restart
}

// Serve accepts connections on ln until it returns an error (typically
// from ln.Close() during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	remoteIP := hostIP(conn.RemoteAddr())
	group, ok := s.Access.GroupFor(remoteIP)
	log.Printf("I api: connection from %s", remoteIP)
	if !ok {
		log.Printf("W api: denied connection from %s (no matching allow entry)", remoteIP)
		return
	}

	line, err := readRequestLine(bufio.NewReader(conn))
	if err != nil {
		return
	}

	jsonMode := strings.HasPrefix(strings.TrimSpace(line), "{")
	var cmds []requestCmd
	if jsonMode {
		cmds, err = parseJSONRequest(line)
	} else {
		cmds, err = parseLineRequest(line)
	}
	if err != nil {
		s.writeReply(conn, jsonMode, []Status{InvalidCommand(line)}, nil)
		return
	}

	var statuses []Status
	sections := map[string][]map[string]interface{}{}

	for _, c := range cmds {
		cmd, known := s.commands[c.Name]
		if !known {
			statuses = append(statuses, InvalidCommand(c.Name))
			continue
		}
		if !s.Access.IsAllowed(group, c.Name, cmd.WriteMode) {
			statuses = append(statuses, AccessDenied(s.Description, c.Name))
			continue
		}
		section, rows, herr := cmd.Handler(s, c.Param)
		if herr != nil {
			statuses = append(statuses, NewStatus(StatusErr, MsgInvCmd, s.Description, "%v", herr))
			continue
		}
		statuses = append(statuses, NewStatus(StatusSuccess, MsgOK, s.Description, "%s", strings.ToUpper(c.Name)))
		if section != "" {
			sections[section] = append(sections[section], rows...)
		}
	}

	s.writeReply(conn, jsonMode, statuses, sections)
}

// readRequestLine reads one request terminated by '\n' or '\0' (§4.12: "a
// single line command ... terminated by \0 or \n"), returning it with the
// terminator stripped.
func readRequestLine(r *bufio.Reader) (string, error) {
	chunk, err := r.ReadString('\n')
	if idx := strings.IndexByte(chunk, 0); idx >= 0 {
		return chunk[:idx], nil
	}
	if err == nil {
		return strings.TrimSuffix(chunk, "\n"), nil
	}
	if len(chunk) > 0 {
		return chunk, nil
	}
	return "", err
}

func hostIP(addr net.Addr) net.IP {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.IPv4zero
	}
	return net.ParseIP(host)
}

type requestCmd struct {
	Name  string
	Param string
}

func parseLineRequest(line string) ([]requestCmd, error) {
	parts := strings.Split(line, "+")
	out := make([]requestCmd, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		seg := strings.SplitN(p, "|", 2)
		c := requestCmd{Name: seg[0]}
		if len(seg) == 2 {
			c.Param = seg[1]
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("api: empty request")
	}
	return out, nil
}

func parseJSONRequest(line string) ([]requestCmd, error) {
	var req struct {
		Command   string `json:"command"`
		Parameter string `json:"parameter"`
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return nil, err
	}
	return parseLineRequest(req.Command + func() string {
		if req.Parameter != "" {
			return "|" + req.Parameter
		}
		return ""
	}())
}

func (s *Server) writeReply(conn net.Conn, jsonMode bool, statuses []Status, sections map[string][]map[string]interface{}) {
	if jsonMode {
		s.writeJSONReply(conn, statuses, sections)
		return
	}
	s.writeLineReply(conn, statuses, sections)
}

func (s *Server) writeJSONReply(conn net.Conn, statuses []Status, sections map[string][]map[string]interface{}) {
	out := map[string]interface{}{
		"STATUS": statusesToMaps(statuses),
		"id":     1,
	}
	for name, rows := range sections {
		out[name] = rows
	}
	enc, err := json.Marshal(out)
	if err != nil {
		return
	}
	conn.Write(enc)
	conn.Write([]byte("\n\x00"))
}

func statusesToMaps(statuses []Status) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, map[string]interface{}{
			"STATUS": string(st.Level), "When": st.When, "Code": st.Code,
			"Msg": st.Msg, "Description": st.Description,
		})
	}
	return out
}

func (s *Server) writeLineReply(conn net.Conn, statuses []Status, sections map[string][]map[string]interface{}) {
	var b strings.Builder
	for _, st := range statuses {
		fmt.Fprintf(&b, "STATUS=%s,When=%d,Code=%d,Msg=%s,Description=%s|",
			st.Level, st.When, st.Code, st.Msg, st.Description)
	}
	for name, rows := range sections {
		for i, row := range rows {
			fmt.Fprintf(&b, "%s=%d,", name, i)
			for k, v := range row {
				fmt.Fprintf(&b, "%s=%v,", k, v)
			}
			b.WriteString("|")
		}
	}
	b.WriteString("\n\x00")
	conn.Write([]byte(b.String()))
}
