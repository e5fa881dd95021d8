package api

import (
	"fmt"
	"net"
	"strings"
)

// AllowEntry is one parsed `[W:]IP[/prefix]` term from --api-allow.
type AllowEntry struct {
	Group  byte // 'A'..'Z', 'W' = all privileges, 'R' = non-mutating only
	Net    *net.IPNet
}

// AccessControl holds the parsed allow-list and per-group command lists
// (§4.12).
type AccessControl struct {
	entries []AllowEntry
	groups  map[byte]string // group -> "|cmd1|cmd2|..."
	network bool            // --api-network: widen beyond the allow-list
}

// NewAccessControl builds an AccessControl that, absent any configuration,
// accepts loopback only (§4.12 default).
func NewAccessControl() *AccessControl {
	_, loopback4, _ := net.ParseCIDR("127.0.0.0/8")
	_, loopback6, _ := net.ParseCIDR("::1/128")
	return &AccessControl{
		entries: []AllowEntry{
			{Group: 'W', Net: loopback4},
			{Group: 'W', Net: loopback6},
		},
		groups: map[byte]string{},
	}
}

// ParseAllow parses the --api-allow flag value: comma-separated
// `[W:]IP[/prefix]` terms.
func ParseAllow(spec string) (*AccessControl, error) {
	ac := &AccessControl{groups: map[byte]string{}}
	if spec == "" {
		return NewAccessControl(), nil
	}
	for _, term := range strings.Split(spec, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		group := byte('R')
		rest := term
		if idx := strings.Index(term, ":"); idx == 1 {
			group = term[0]
			rest = term[idx+1:]
		}
		if !strings.Contains(rest, "/") {
			if strings.Contains(rest, ":") {
				rest += "/128"
			} else {
				rest += "/32"
			}
		}
		_, ipnet, err := net.ParseCIDR(rest)
		if err != nil {
			return nil, fmt.Errorf("api: invalid --api-allow term %q: %w", term, err)
		}
		ac.entries = append(ac.entries, AllowEntry{Group: group, Net: ipnet})
	}
	return ac, nil
}

// SetGroupCommands assigns the `|cmd|cmd|...` list for group g.
func (ac *AccessControl) SetGroupCommands(g byte, pipeList string) {
	if !strings.HasPrefix(pipeList, "|") {
		pipeList = "|" + pipeList
	}
	if !strings.HasSuffix(pipeList, "|") {
		pipeList += "|"
	}
	ac.groups[g] = pipeList
}

// SetNetwork widens acceptance beyond the allow-list (--api-network).
func (ac *AccessControl) SetNetwork(on bool) { ac.network = on }

// GroupFor returns the group assigned to addr, and whether any entry
// matched at all.
func (ac *AccessControl) GroupFor(addr net.IP) (group byte, ok bool) {
	mapped := addr.To4()
	if mapped == nil {
		mapped = addr
	}
	for _, e := range ac.entries {
		if e.Net.Contains(mapped) || e.Net.Contains(addr) {
			return e.Group, true
		}
	}
	if ac.network {
		return 'R', true
	}
	return 0, false
}

// IsAllowed reports whether group may run command: true if group == 'W',
// if group == 'R' and the command is not write-mode, or if |command| is a
// substring of the group's pipe-delimited list.
func (ac *AccessControl) IsAllowed(group byte, command string, writeMode bool) bool {
	if group == 'W' {
		return true
	}
	if group == 'R' && !writeMode {
		return true
	}
	list, ok := ac.groups[group]
	if !ok {
		return false
	}
	return strings.Contains(list, "|"+command+"|")
}
