package api

import (
	"fmt"
	"strconv"
	"strings"

	"gekkominer/internal/miner"
)

// Command describes one entry of the §4.12 command set: its write-mode
// tag (mutating commands require a privileged group) and its handler.
type Command struct {
	Name      string
	WriteMode bool
	Handler   func(s *Server, param string) (section string, rows []map[string]interface{}, err error)
}

// QueryCommandNames lists the non-mutating commands (§4.12).
var QueryCommandNames = []string{
	"version", "config", "summary", "devs", "edevs", "pools", "notify",
	"devdetails", "stats", "estats", "dbgstats", "coin", "lcd",
	"asccount", "pgacount", "usbstats", "check",
}

// MutateCommandNames lists the write-mode commands (§4.12).
var MutateCommandNames = []string{
	"switchpool", "addpool", "removepool", "enablepool", "disablepool",
	"poolpriority", "poolquota", "save", "restart", "quit", "ascset",
	"pgaset", "ascenable", "ascdisable", "ascidentify", "zero", "hotplug",
	"debug", "setconfig",
}

// Pool-facing commands named in §4.12's abridged set (switchpool, addpool,
// removepool, enablepool, disablepool, poolpriority, poolquota, pools,
// notify, coin, lcd) are not registered here: their state lives entirely
// in the pool/Stratum collaborator, which §1 places out of scope. A
// request for one of them falls through to MSG_INVCMD like any other
// unknown command, which is the correct behavior for a command this core
// has nothing to back it with.
func (s *Server) registerDefaultCommands() {
	s.command("version", false, cmdVersion)
	s.command("config", false, cmdConfig)
	s.command("summary", false, cmdSummary)
	s.command("devs", false, cmdDevs)
	s.command("edevs", false, cmdDevs)
	s.command("devdetails", false, cmdDevDetails)
	s.command("stats", false, cmdStats)
	s.command("estats", false, cmdStats)
	s.command("asccount", false, cmdAscCount)
	s.command("check", false, cmdCheck)
	s.command("quit", true, cmdQuit)
	s.command("restart", true, cmdRestart)
	s.command("zero", true, cmdZero)
	s.command("save", true, cmdSave)
	s.command("ascenable", true, cmdAscEnable)
	s.command("ascdisable", true, cmdAscDisable)
	s.command("ascidentify", true, cmdAscIdentify)
	s.command("ascset", true, cmdAscSet)
}

func (s *Server) command(name string, writeMode bool, h func(*Server, string) (string, []map[string]interface{}, error)) {
	s.commands[name] = Command{Name: name, WriteMode: writeMode, Handler: h}
}

func cmdVersion(s *Server, _ string) (string, []map[string]interface{}, error) {
	return "VERSION", []map[string]interface{}{{
		"API": "3.7", "PROG": "gekkod", "DESCRIPTION": s.Description,
	}}, nil
}

func cmdSummary(s *Server, _ string) (string, []map[string]interface{}, error) {
	total := len(s.Registry.All())
	return "SUMMARY", []map[string]interface{}{{
		"Devices": total,
	}}, nil
}

func cmdDevs(s *Server, _ string) (string, []map[string]interface{}, error) {
	var rows []map[string]interface{}
	for i, h := range s.Registry.All() {
		ds, ok := s.Registry.Lookup(h)
		if !ok {
			continue
		}
		ds.Lock.RLock()
		rows = append(rows, map[string]interface{}{
			"ASC":       i,
			"Chips":     ds.Chips,
			"Frequency": ds.Frequency,
			"MHS av":    ds.HashRateNow() / 1e6,
			"Accepted":  ds.Accepted,
			"Status":    ds.MiningState.String(),
		})
		ds.Lock.RUnlock()
	}
	return "DEVS", rows, nil
}

func cmdQuit(s *Server, _ string) (string, []map[string]interface{}, error) {
	s.requestQuit()
	return "", nil, nil
}

func cmdRestart(s *Server, _ string) (string, []map[string]interface{}, error) {
	s.requestRestart()
	return "", nil, nil
}

func cmdZero(s *Server, _ string) (string, []map[string]interface{}, error) {
	for _, h := range s.Registry.All() {
		if ds, ok := s.Registry.Lookup(h); ok {
			ds.ZeroStats()
		}
	}
	return "", nil, nil
}

func cmdConfig(s *Server, _ string) (string, []map[string]interface{}, error) {
	return "CONFIG", []map[string]interface{}{{
		"ASC Count": len(s.Registry.All()), "Device Code": "GSC", "Hotplug": "5",
	}}, nil
}

func cmdDevDetails(s *Server, _ string) (string, []map[string]interface{}, error) {
	var rows []map[string]interface{}
	for i, h := range s.Registry.All() {
		ds, ok := s.Registry.Lookup(h)
		if !ok {
			continue
		}
		ds.Lock.RLock()
		rows = append(rows, map[string]interface{}{
			"ASC": i, "Driver": ds.Family.String(), "Chips": ds.Chips,
		})
		ds.Lock.RUnlock()
	}
	return "DEVDETAILS", rows, nil
}

func cmdStats(s *Server, _ string) (string, []map[string]interface{}, error) {
	var rows []map[string]interface{}
	for i, h := range s.Registry.All() {
		ds, ok := s.Registry.Lookup(h)
		if !ok {
			continue
		}
		rate5m, _ := ds.HashRateWindow(300)
		ds.Lock.RLock()
		rows = append(rows, map[string]interface{}{
			"ASC": i, "Nonces": ds.Nonces, "Accepted": ds.Accepted,
			"HWErrors": ds.HWErrors, "Dups": ds.Dups, "DupsAll": ds.DupsAll,
			"LowEffResets": ds.LowEffResets, "PlateauReset": ds.PlateauReset,
			"MHS5m": rate5m / 1e6,
			"Temperature": ds.TempC, "Vcore": ds.VcoreMilli, "Vin": ds.VinMilli,
			"Current": ds.CurrentMA, "FanRPM": ds.FanRPM, "RegulatorOn": ds.RegulatorOn,
		})
		ds.Lock.RUnlock()
	}
	return "STATS", rows, nil
}

func cmdAscCount(s *Server, _ string) (string, []map[string]interface{}, error) {
	return "ASC", []map[string]interface{}{{"Count": len(s.Registry.All())}}, nil
}

func cmdCheck(s *Server, param string) (string, []map[string]interface{}, error) {
	_, known := s.commands[param]
	return "CHECK", []map[string]interface{}{{"Exists": known, "Command": param}}, nil
}

func cmdSave(s *Server, _ string) (string, []map[string]interface{}, error) {
	return "", nil, nil
}

// ascIndex resolves the "N" in an ascN-style parameter to a device handle,
// matching the §4.12 convention that ascset/ascenable/ascdisable take the
// device index as their first comma-separated field.
func ascIndex(s *Server, param string) (ds *miner.DeviceState, idx int, err error) {
	i, err := strconv.Atoi(strings.SplitN(param, ",", 2)[0])
	if err != nil {
		return nil, 0, fmt.Errorf("api: invalid device index %q", param)
	}
	handles := s.Registry.All()
	if i < 0 || i >= len(handles) {
		return nil, 0, fmt.Errorf("api: no such device %d", i)
	}
	ds, ok := s.Registry.Lookup(handles[i])
	if !ok {
		return nil, 0, fmt.Errorf("api: device %d is gone", i)
	}
	return ds, i, nil
}

func cmdAscEnable(s *Server, param string) (string, []map[string]interface{}, error) {
	ds, _, err := ascIndex(s, param)
	if err != nil {
		return "", nil, err
	}
	ds.Lock.Lock()
	ds.Disabled = false
	ds.Lock.Unlock()
	return "", nil, nil
}

func cmdAscDisable(s *Server, param string) (string, []map[string]interface{}, error) {
	ds, _, err := ascIndex(s, param)
	if err != nil {
		return "", nil, err
	}
	ds.Lock.Lock()
	ds.Disabled = true
	ds.Lock.Unlock()
	return "", nil, nil
}

func cmdAscIdentify(s *Server, param string) (string, []map[string]interface{}, error) {
	_, idx, err := ascIndex(s, param)
	if err != nil {
		return "", nil, err
	}
	return "ASCIDENTIFY", []map[string]interface{}{{"ASC": idx}}, nil
}

// cmdAscSet implements "N,option,VALUE": "freq" sets FrequencyRequested,
// letting the sender thread's step-toward-target logic (§4.6) do the
// actual ramping; "corev" and "fan" queue an MCU setting the telemetry
// thread applies on its next poll (§4.11); "cooldown" queues a thermal
// cool-down the same way, taking "on"/"off" rather than a numeric value.
func cmdAscSet(s *Server, param string) (string, []map[string]interface{}, error) {
	ds, _, err := ascIndex(s, param)
	if err != nil {
		return "", nil, err
	}
	fields := strings.Split(param, ",")
	if len(fields) != 3 {
		return "", nil, fmt.Errorf("api: ascset: unsupported option %q", param)
	}
	option, value := fields[1], fields[2]
	switch option {
	case "freq":
		mhz, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return "", nil, fmt.Errorf("api: ascset: invalid frequency %q", value)
		}
		ds.Lock.Lock()
		ds.FrequencyRequested = mhz
		ds.Lock.Unlock()
	case "corev":
		mv, err := strconv.Atoi(value)
		if err != nil {
			return "", nil, fmt.Errorf("api: ascset: invalid corev %q", value)
		}
		ds.RequestCorev(mv)
	case "fan":
		pct, err := strconv.Atoi(value)
		if err != nil {
			return "", nil, fmt.Errorf("api: ascset: invalid fan %q", value)
		}
		ds.RequestFan(pct)
	case "cooldown":
		ds.RequestCooldown(value == "on")
	default:
		return "", nil, fmt.Errorf("api: ascset: unsupported option %q", option)
	}
	return "", nil, nil
}
