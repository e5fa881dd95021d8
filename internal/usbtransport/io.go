package usbtransport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReadOpts configures one Read call (§4.1).
type ReadOpts struct {
	Once        bool
	Cancellable bool
	Terminator  byte // matched only when HasTerm is set; 0 is a valid terminator
	HasTerm     bool
}

// ftdiStatusBytes is the fixed 2-byte modem-status header FTDI bridge
// chips prepend to every bulk-in chunk.
const ftdiStatusBytes = 2

// readResult carries a completed transfer back to the racing goroutine.
type readResult struct {
	n   int
	err error
}

// Read performs a bounded, optionally cancellable read on the given
// interface/endpoint index (§4.1). It drains the session's spill buffer
// first, then reads fresh chunks from the wire, stripping the FTDI status
// header from each chunk before use.
func (s *Session) Read(ctx context.Context, ifaceNum, epIdx int, buf []byte, timeout time.Duration, opts ReadOpts) (int, error) {
	s.rw.RLock()
	defer s.rw.RUnlock()

	if s.nodev {
		return 0, ErrNoDevice
	}

	total := 0

	// Serve from spill first.
	if len(s.spill) > 0 {
		n := copy(buf, s.spill)
		s.spill = s.spill[n:]
		total += n
		if opts.HasTerm && containsByte(buf[:total], opts.Terminator) {
			return total, nil
		}
		if total == len(buf) {
			return total, nil
		}
	}

	ep := s.endpointFor(ifaceNum, epIdx, false)
	if ep == nil || ep.in == nil {
		return total, fmt.Errorf("usbtransport: no in endpoint iface=%d idx=%d", ifaceNum, epIdx)
	}

	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if opts.Cancellable {
		s.registerCancel(&cancel)
		defer s.unregisterCancel(&cancel)
	}

	ioRetries := 0

	for total < len(buf) {
		chunk := make([]byte, ep.in.Desc.MaxPacketSize)
		resCh := make(chan readResult, 1)
		go func() {
			n, err := ep.in.Read(chunk)
			resCh <- readResult{n, err}
		}()

		var res readResult
		select {
		case res = <-resCh:
		case <-readCtx.Done():
			return total, s.classifyTimeoutOrCancel(readCtx)
		}

		if res.err != nil {
			if isStall(res.err) {
				if cerr := s.clearHaltRetry(ifaceNum, epIdx, usbRetryMax); cerr != nil {
					return total, fmt.Errorf("clear halt: %w", cerr)
				}
				ioRetries++
				if ioRetries >= usbRetryMax {
					return total, fmt.Errorf("usb read: %w", res.err)
				}
				continue
			}
			if isNoDevice(res.err) {
				s.markGone()
				return total, ErrNoDevice
			}
			ioRetries++
			if ioRetries >= usbRetryMax {
				return total, fmt.Errorf("usb read: %w", res.err)
			}
			continue
		}

		data := chunk[:res.n]
		if s.desc.IsFTDI && len(data) >= ftdiStatusBytes {
			data = data[ftdiStatusBytes:]
		}

		n := copy(buf[total:], data)
		total += n
		if n < len(data) {
			// overflow: stash the remainder in the spill buffer (§4.1).
			s.spill = append(s.spill, data[n:]...)
		}

		if opts.HasTerm && containsByte(buf[:total], opts.Terminator) {
			return total, nil
		}
		if opts.Once {
			return total, nil
		}
	}

	return total, nil
}

// Write mirrors Read. Every write waits until at least 1 ms has passed since
// the session's previous write; the gap is applied to every device, whatever
// its USB version (§4.1).
func (s *Session) Write(ctx context.Context, ifaceNum, epIdx int, data []byte, timeout time.Duration) (int, error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.nodev {
		return 0, ErrNoDevice
	}

	if gap := time.Since(s.lastWrite); gap < time.Millisecond {
		time.Sleep(time.Millisecond - gap)
	}

	ep := s.endpointFor(ifaceNum, epIdx, true)
	if ep == nil || ep.out == nil {
		return 0, fmt.Errorf("usbtransport: no out endpoint iface=%d idx=%d", ifaceNum, epIdx)
	}

	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan readResult, 1)
	go func() {
		n, err := ep.out.Write(data)
		resCh <- readResult{n, err}
	}()

	select {
	case res := <-resCh:
		s.lastWrite = time.Now()
		if res.err != nil {
			if isNoDevice(res.err) {
				s.markGone()
				return res.n, ErrNoDevice
			}
			return res.n, fmt.Errorf("usb write: %w", res.err)
		}
		return res.n, nil
	case <-writeCtx.Done():
		return 0, s.classifyTimeoutOrCancel(writeCtx)
	}
}

// Control issues a control transfer, serialised under the write lock to
// avoid racing concurrent device-state changes (§4.1).
func (s *Session) Control(ctx context.Context, requestType, request byte, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.nodev {
		return 0, ErrNoDevice
	}
	if s.gousbDev == nil {
		return 0, ErrNoDevice
	}

	n, err := s.gousbDev.Control(requestType, request, value, index, data)
	if err != nil {
		if isNoDevice(err) {
			s.markGone()
			return n, ErrNoDevice
		}
		return n, fmt.Errorf("usb control: %w", err)
	}
	return n, nil
}

// Reset issues a USB bus reset on the underlying device.
func (s *Session) Reset() error {
	s.rw.Lock()
	defer s.rw.Unlock()
	if s.gousbDev == nil {
		return ErrNoDevice
	}
	if err := s.gousbDev.Reset(); err != nil {
		return fmt.Errorf("usb reset: %w", err)
	}
	return nil
}

// CancelReads aborts every outstanding cancellable transfer on this
// session, used by the receiver thread's work-restart path (§4.1, §5).
func (s *Session) CancelReads() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	for cf := range s.cancels {
		(*cf)()
	}
}

func (s *Session) registerCancel(cf *context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancels[cf] = struct{}{}
}

func (s *Session) unregisterCancel(cf *context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	delete(s.cancels, cf)
}

func (s *Session) endpointFor(ifaceNum, idx int, out bool) *endpoint {
	eps := s.endpoints[ifaceNum]
	if idx < 0 || idx >= len(eps) {
		return nil
	}
	return &eps[idx]
}

func (s *Session) markGone() {
	s.nodev = true
}

// usbRetryMax bounds both the clear-halt retry loop and the generic I/O
// retry loop, matching libusb_clear_halt's USB_RETRY_MAX=5 in the original
// driver's usb_transfer (usbutils.c).
const usbRetryMax = 5

// clearHaltRequestType/clearHaltRequest/clearHaltFeature are the standard
// USB CLEAR_FEATURE(ENDPOINT_HALT) request fields libusb_clear_halt issues
// under the hood.
const (
	clearHaltRequestType = 0x02 // host-to-device, standard, recipient=endpoint
	clearHaltRequest     = 0x01 // CLEAR_FEATURE
	clearHaltFeature     = 0x00 // ENDPOINT_HALT
)

// clearHaltRetry issues the standard CLEAR_FEATURE(ENDPOINT_HALT) control
// request for the stalled endpoint, retrying up to maxAttempts times before
// giving up, matching the original driver's clear-then-retry pipe-error
// handling in usb_transfer (usbutils.c: "libusb pipe error, trying to
// clear").
func (s *Session) clearHaltRetry(ifaceNum, epIdx int, maxAttempts int) error {
	ep := s.endpointFor(ifaceNum, epIdx, false)
	if ep == nil || ep.in == nil {
		return fmt.Errorf("clear halt: no endpoint")
	}
	if s.gousbDev == nil {
		return ErrNoDevice
	}
	addr := byte(ep.in.Desc.Address)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		_, err := s.gousbDev.Control(clearHaltRequestType, clearHaltRequest, clearHaltFeature, uint16(addr), nil)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("clear halt: exhausted %d retries: %w", maxAttempts, lastErr)
}

func (s *Session) classifyTimeoutOrCancel(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrTimeout
}

func containsByte(buf []byte, b byte) bool {
	for _, v := range buf {
		if v == b {
			return true
		}
	}
	return false
}

// gousb surfaces libusb transfer status through plain errors rather than a
// small set of exported sentinels, so classification is by message
// substring, matching how the teacher's usb_device.go distinguishes them.
func isStall(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "stall")
}

func isNoDevice(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no device") || strings.Contains(msg, "disconnected")
}
