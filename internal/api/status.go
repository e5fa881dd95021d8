// Package api implements C12: the JSON/line text API server and the
// optional UDP multicast discovery responder (§4.12).
package api

import (
	"fmt"
	"time"
)

// StatusLevel is one of S/W/I/E/F (success/warn/info/err/fatal), §4.12.
type StatusLevel string

const (
	StatusSuccess StatusLevel = "S"
	StatusWarn    StatusLevel = "W"
	StatusInfo    StatusLevel = "I"
	StatusErr     StatusLevel = "E"
	StatusFatal   StatusLevel = "F"
)

// Message codes referenced by §4.12/§7/§8's testable scenarios.
const (
	MsgInvCmd  = 14
	MsgAccDeny = 45
	MsgOK      = 0
)

// Status is one reply's leading record (§4.12).
type Status struct {
	Level       StatusLevel
	When        int64
	Code        int
	Msg         string
	Description string
}

// NewStatus stamps the current time and fills Msg from a printf-style
// template, matching the source's templated-message convention.
func NewStatus(level StatusLevel, code int, description string, format string, args ...interface{}) Status {
	return Status{
		Level:       level,
		When:        time.Now().Unix(),
		Code:        code,
		Msg:         fmt.Sprintf(format, args...),
		Description: description,
	}
}

// AccessDenied builds the §8 S5-shaped denial record: "Access denied to
// 'cmd' command".
func AccessDenied(description, command string) Status {
	return NewStatus(StatusErr, MsgAccDeny, description, "Access denied to '%s' command", command)
}

// InvalidCommand builds the MSG_INVCMD probe reply; its Description is
// suppressed per §4.12.
func InvalidCommand(command string) Status {
	s := NewStatus(StatusErr, MsgInvCmd, "", "Invalid command '%s'", command)
	return s
}
