// Package epd drives the Waveshare 13.3" (B) tri-color e-paper panel.
// The protocol state machine lives here and talks to the controller
// through the Transport interface, so tests and non-Pi builds never
// touch real GPIO/SPI. Register and command values are the vendor's
// fixed contract for this controller and are used verbatim.
package epd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/terribilis/litclock2/internal/render"
)

// Transport is the low-level peripheral capability the driver needs:
// a reset pulse, the data/command select line, byte transfer, and the
// busy line. The periph.io binding satisfies it on a Raspberry Pi.
type Transport interface {
	// Reset performs the hardware reset pulse.
	Reset()
	// SetDataCommand asserts the DC line: true for data, false for command.
	SetDataCommand(data bool)
	// Transfer clocks bytes out on the serial bus.
	Transfer(p []byte) error
	// ReadBusy reports whether the controller is still processing.
	ReadBusy() bool
}

// State is the panel lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateDisplaying
	StateSleeping
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDisplaying:
		return "displaying"
	case StateSleeping:
		return "sleeping"
	case StateFaulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrHardwareTimeout means the busy line never cleared within the
	// bound. The driver transitions to Faulted; only a successful
	// Initialize leaves that state.
	ErrHardwareTimeout = errors.New("epd: panel busy timeout")
	// ErrSizeMismatch means a plane does not match the panel resolution.
	// Raised before any hardware is touched.
	ErrSizeMismatch = errors.New("epd: plane size does not match panel resolution")
)

// StateError reports an operation attempted from the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return "epd: " + e.Op + " not valid in state " + e.State.String()
}

// Controller command bytes (UC8179 family, 13.3" B).
const (
	cmdPanelSetting  = 0x00
	cmdPowerSetting  = 0x01
	cmdPowerOff      = 0x02
	cmdPowerOn       = 0x04
	cmdBoosterStart  = 0x06
	cmdDeepSleep     = 0x07
	cmdDataBlack     = 0x10
	cmdRefresh       = 0x12
	cmdDataRed       = 0x13
	cmdPLL           = 0x30
	cmdVCOMInterval  = 0x50
	cmdTCON          = 0x60
	cmdResolution    = 0x61
	deepSleepUnlock  = 0xA5
	defaultBusyPoll  = 10 * time.Millisecond
	defaultBusyLimit = 30 * time.Second
)

// Options tunes the driver. Zero values take the panel defaults.
type Options struct {
	Width       int
	Height      int
	BusyTimeout time.Duration
	BusyPoll    time.Duration
}

// Driver owns the panel. Both the refresh loop and the maintenance job
// call into it, so opMu serializes whole bus operations: exactly one of
// Initialize/Display/Clear/Sleep runs at a time and its state check
// happens under that hold. mu separately guards state reads from the
// web/status side.
type Driver struct {
	tr Transport

	width       int
	height      int
	busyTimeout time.Duration
	busyPoll    time.Duration

	opMu sync.Mutex

	mu    sync.Mutex
	state State
}

// New creates a Driver in the Uninitialized state.
func New(tr Transport, opts Options) *Driver {
	if opts.Width <= 0 {
		opts.Width = render.PanelWidth
	}
	if opts.Height <= 0 {
		opts.Height = render.PanelHeight
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyLimit
	}
	if opts.BusyPoll <= 0 {
		opts.BusyPoll = defaultBusyPoll
	}
	return &Driver{
		tr:          tr,
		width:       opts.Width,
		height:      opts.Height,
		busyTimeout: opts.BusyTimeout,
		busyPoll:    opts.BusyPoll,
		state:       StateUninitialized,
	}
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Initialize runs the power-on/reset/register sequence and waits for the
// controller to report ready. It is valid from every state and is the
// only way out of Faulted and Sleeping.
func (d *Driver) Initialize(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.tr.Reset()

	seq := []struct {
		cmd  byte
		data []byte
	}{
		{cmdPanelSetting, []byte{0x0F}},
		{cmdPowerSetting, []byte{0x07, 0x17, 0x3F, 0x3F, 0x0D}},
		{cmdBoosterStart, []byte{0x17, 0x17, 0x39, 0x17}},
		{cmdPLL, []byte{0x08}},
		{cmdResolution, []byte{0x03, 0xC0, 0x02, 0xA8}}, // 960 x 680
		{cmdVCOMInterval, []byte{0x11, 0x07}},
		{cmdTCON, []byte{0x22}},
	}
	for _, step := range seq {
		if err := d.write(step.cmd, step.data); err != nil {
			d.setState(StateFaulted)
			return err
		}
	}

	if err := d.write(cmdPowerOn, nil); err != nil {
		d.setState(StateFaulted)
		return err
	}
	if err := d.waitBusy(ctx); err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("epd: initialize: %w", err)
	}

	d.setState(StateInitialized)
	return nil
}

// Display transfers both planes and triggers a full refresh. Partial
// refresh is never attempted: on this tri-color controller partial
// updates leave visible artifacts, so every update is a full cycle.
func (d *Driver) Display(ctx context.Context, black, red *render.BitPlane) error {
	if err := d.checkPlanes(black, red); err != nil {
		return err
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if s := d.State(); s != StateInitialized {
		return &StateError{Op: "display", State: s}
	}
	d.setState(StateDisplaying)

	if err := d.write(cmdDataBlack, black.Bits); err != nil {
		d.setState(StateFaulted)
		return err
	}
	// The red channel is inverted on the wire: controller expects 1=ink.
	inv := make([]byte, len(red.Bits))
	for i, b := range red.Bits {
		inv[i] = ^b
	}
	if err := d.write(cmdDataRed, inv); err != nil {
		d.setState(StateFaulted)
		return err
	}

	if err := d.refresh(ctx); err != nil {
		return err
	}
	d.setState(StateInitialized)
	return nil
}

// Clear refreshes the panel to all white. Used by the nightly
// maintenance job to keep ghosting down.
func (d *Driver) Clear(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if s := d.State(); s != StateInitialized {
		return &StateError{Op: "clear", State: s}
	}
	d.setState(StateDisplaying)

	planeSize := (d.width / 8) * d.height
	white := make([]byte, planeSize)
	for i := range white {
		white[i] = 0xFF
	}
	noRed := make([]byte, planeSize) // inverted channel: 0 = no red ink

	if err := d.write(cmdDataBlack, white); err != nil {
		d.setState(StateFaulted)
		return err
	}
	if err := d.write(cmdDataRed, noRed); err != nil {
		d.setState(StateFaulted)
		return err
	}
	if err := d.refresh(ctx); err != nil {
		return err
	}
	d.setState(StateInitialized)
	return nil
}

// Sleep powers the panel down into deep sleep. Only Initialize is valid
// afterwards.
func (d *Driver) Sleep(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if s := d.State(); s != StateInitialized {
		return &StateError{Op: "sleep", State: s}
	}
	if err := d.write(cmdPowerOff, nil); err != nil {
		d.setState(StateFaulted)
		return err
	}
	if err := d.waitBusy(ctx); err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("epd: sleep: %w", err)
	}
	if err := d.write(cmdDeepSleep, []byte{deepSleepUnlock}); err != nil {
		d.setState(StateFaulted)
		return err
	}
	d.setState(StateSleeping)
	return nil
}

func (d *Driver) checkPlanes(black, red *render.BitPlane) error {
	if black == nil || red == nil {
		return ErrSizeMismatch
	}
	if err := black.Validate(d.width, d.height); err != nil {
		return fmt.Errorf("%w: black: %v", ErrSizeMismatch, err)
	}
	if err := red.Validate(d.width, d.height); err != nil {
		return fmt.Errorf("%w: red: %v", ErrSizeMismatch, err)
	}
	return nil
}

func (d *Driver) refresh(ctx context.Context) error {
	if err := d.write(cmdRefresh, nil); err != nil {
		d.setState(StateFaulted)
		return err
	}
	if err := d.waitBusy(ctx); err != nil {
		d.setState(StateFaulted)
		return fmt.Errorf("epd: refresh: %w", err)
	}
	return nil
}

func (d *Driver) write(cmd byte, data []byte) error {
	d.tr.SetDataCommand(false)
	if err := d.tr.Transfer([]byte{cmd}); err != nil {
		return fmt.Errorf("epd: command 0x%02X: %w", cmd, err)
	}
	if len(data) == 0 {
		return nil
	}
	d.tr.SetDataCommand(true)
	if err := d.tr.Transfer(data); err != nil {
		return fmt.Errorf("epd: data for 0x%02X: %w", cmd, err)
	}
	return nil
}

// waitBusy polls the busy line until it clears, the timeout elapses, or
// ctx is cancelled. A full refresh on this panel takes tens of seconds,
// hence the generous default bound.
func (d *Driver) waitBusy(ctx context.Context) error {
	deadline := time.NewTimer(d.busyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(d.busyPoll)
	defer tick.Stop()

	for {
		if !d.tr.ReadBusy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrHardwareTimeout
		case <-tick.C:
		}
	}
}
