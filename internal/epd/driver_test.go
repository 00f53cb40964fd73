package epd

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/terribilis/litclock2/internal/render"
)

// fakeTransport records the command stream and simulates the busy line.
type fakeTransport struct {
	resets    int
	writes    [][]byte // each Transfer payload
	dataLine  bool
	cmdLog    []byte // command bytes seen (DC low transfers)
	dataFor   map[byte][]byte
	lastCmd   byte
	busyReads int // remaining polls that report busy
	stuckBusy bool
	failXfer  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dataFor: make(map[byte][]byte)}
}

func (f *fakeTransport) Reset() { f.resets++ }

func (f *fakeTransport) SetDataCommand(data bool) { f.dataLine = data }

func (f *fakeTransport) Transfer(p []byte) error {
	if f.failXfer != nil {
		return f.failXfer
	}
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	if !f.dataLine {
		f.lastCmd = cp[0]
		f.cmdLog = append(f.cmdLog, cp[0])
	} else {
		f.dataFor[f.lastCmd] = append(f.dataFor[f.lastCmd], cp...)
	}
	return nil
}

func (f *fakeTransport) ReadBusy() bool {
	if f.stuckBusy {
		return true
	}
	if f.busyReads > 0 {
		f.busyReads--
		return true
	}
	return false
}

func fastOptions() Options {
	return Options{
		BusyTimeout: 50 * time.Millisecond,
		BusyPoll:    time.Millisecond,
	}
}

func planes() (*render.BitPlane, *render.BitPlane) {
	return render.NewBitPlane(render.PanelWidth, render.PanelHeight),
		render.NewBitPlane(render.PanelWidth, render.PanelHeight)
}

func TestInitializeHappyPath(t *testing.T) {
	tr := newFakeTransport()
	tr.busyReads = 3
	d := New(tr, fastOptions())

	if d.State() != StateUninitialized {
		t.Fatalf("fresh driver state = %v", d.State())
	}
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if d.State() != StateInitialized {
		t.Fatalf("state after init = %v", d.State())
	}
	if tr.resets != 1 {
		t.Fatalf("resets = %d, want 1", tr.resets)
	}
	// The register sequence must end with power-on.
	if tr.cmdLog[len(tr.cmdLog)-1] != cmdPowerOn {
		t.Fatalf("last command %#02x, want power on", tr.cmdLog[len(tr.cmdLog)-1])
	}
	// Resolution register carries 960x680.
	res := tr.dataFor[cmdResolution]
	want := []byte{0x03, 0xC0, 0x02, 0xA8}
	for i := range want {
		if res[i] != want[i] {
			t.Fatalf("resolution data %v, want %v", res, want)
		}
	}
}

func TestInitializeTimeoutFaults(t *testing.T) {
	tr := newFakeTransport()
	tr.stuckBusy = true
	d := New(tr, fastOptions())

	err := d.Initialize(context.Background())
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatalf("err = %v, want ErrHardwareTimeout", err)
	}
	if d.State() != StateFaulted {
		t.Fatalf("state = %v, want Faulted", d.State())
	}

	// Recovery path: the busy line clears and re-initialization succeeds.
	tr.stuckBusy = false
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if d.State() != StateInitialized {
		t.Fatalf("state after recovery = %v", d.State())
	}
}

func TestDisplayRequiresInitialized(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, fastOptions())
	black, red := planes()

	err := d.Display(context.Background(), black, red)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StateError", err)
	}
	if len(tr.writes) != 0 {
		t.Fatalf("hardware touched from invalid state: %d transfers", len(tr.writes))
	}
}

func TestDisplaySizeMismatch(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, fastOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	before := len(tr.writes)

	wrong := render.NewBitPlane(100, 100)
	_, red := planes()
	err := d.Display(context.Background(), wrong, red)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("err = %v, want ErrSizeMismatch", err)
	}
	if len(tr.writes) != before {
		t.Fatal("size mismatch must not touch hardware")
	}
	if d.State() != StateInitialized {
		t.Fatalf("state = %v, want Initialized", d.State())
	}
}

func TestDisplayHappyPath(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, fastOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	black, red := planes()
	black.SetInk(0, 0)
	red.SetInk(8, 0)
	if err := d.Display(context.Background(), black, red); err != nil {
		t.Fatalf("Display: %v", err)
	}
	if d.State() != StateInitialized {
		t.Fatalf("state after display = %v", d.State())
	}

	if got := tr.dataFor[cmdDataBlack]; len(got) != render.PlaneSize || got[0] != 0x7F {
		t.Fatalf("black channel: len=%d first=%#02x", len(got), got[0])
	}
	// Red goes out inverted: ink bit set, everything else zero.
	if got := tr.dataFor[cmdDataRed]; len(got) != render.PlaneSize || got[1] != 0x80 || got[0] != 0x00 {
		t.Fatalf("red channel not inverted: first bytes %#02x %#02x", got[0], got[1])
	}
	// Refresh must have been issued after the data.
	sawRefresh := false
	for _, c := range tr.cmdLog {
		if c == cmdRefresh {
			sawRefresh = true
		}
	}
	if !sawRefresh {
		t.Fatal("no refresh command issued")
	}
}

func TestDisplayTimeoutFaultsAndRecovers(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, fastOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tr.stuckBusy = true
	black, red := planes()
	err := d.Display(context.Background(), black, red)
	if !errors.Is(err, ErrHardwareTimeout) {
		t.Fatalf("err = %v, want ErrHardwareTimeout", err)
	}
	if d.State() != StateFaulted {
		t.Fatalf("state = %v, want Faulted", d.State())
	}

	// All operations except Initialize are refused while Faulted.
	var se *StateError
	if err := d.Display(context.Background(), black, red); !errors.As(err, &se) {
		t.Fatalf("display from Faulted: %v", err)
	}
	if err := d.Sleep(context.Background()); !errors.As(err, &se) {
		t.Fatalf("sleep from Faulted: %v", err)
	}

	tr.stuckBusy = false
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if err := d.Display(context.Background(), black, red); err != nil {
		t.Fatalf("Display after recovery: %v", err)
	}
}

func TestSleepLifecycle(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, fastOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := d.Sleep(context.Background()); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if d.State() != StateSleeping {
		t.Fatalf("state = %v, want Sleeping", d.State())
	}
	if got := tr.dataFor[cmdDeepSleep]; len(got) != 1 || got[0] != deepSleepUnlock {
		t.Fatalf("deep sleep unlock data = %v", got)
	}

	// Only Initialize is valid from Sleeping.
	black, red := planes()
	var se *StateError
	if err := d.Display(context.Background(), black, red); !errors.As(err, &se) {
		t.Fatalf("display from Sleeping: %v", err)
	}
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize from Sleeping: %v", err)
	}
	if d.State() != StateInitialized {
		t.Fatalf("state = %v, want Initialized", d.State())
	}
}

func TestClearSendsWhiteFrame(t *testing.T) {
	tr := newFakeTransport()
	d := New(tr, fastOptions())
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := d.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for _, b := range tr.dataFor[cmdDataBlack] {
		if b != 0xFF {
			t.Fatal("clear black channel must be all white")
		}
	}
	for _, b := range tr.dataFor[cmdDataRed] {
		if b != 0x00 {
			t.Fatal("clear red channel must carry no ink")
		}
	}
}

// busTransport is safe for concurrent callers and records only the
// command bytes, in bus order.
type busTransport struct {
	mu       sync.Mutex
	dataLine bool
	cmdLog   []byte
}

func (b *busTransport) Reset() {}

func (b *busTransport) SetDataCommand(data bool) {
	b.mu.Lock()
	b.dataLine = data
	b.mu.Unlock()
}

func (b *busTransport) Transfer(p []byte) error {
	b.mu.Lock()
	if !b.dataLine {
		b.cmdLog = append(b.cmdLog, p[0])
	}
	b.mu.Unlock()
	// Widen the interleaving window between transfers.
	runtime.Gosched()
	return nil
}

func (b *busTransport) ReadBusy() bool { return false }

func (b *busTransport) commands() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.cmdLog...)
}

func (b *busTransport) clearLog() {
	b.mu.Lock()
	b.cmdLog = nil
	b.mu.Unlock()
}

// The refresh loop and the maintenance job call the driver from
// different goroutines. Frames must never interleave on the bus: a
// second black-data command before the previous frame's refresh means
// two operations got past the state check at once.
func TestConcurrentDisplayAndClearSerialize(t *testing.T) {
	black, red := planes()
	for iter := 0; iter < 200; iter++ {
		tr := &busTransport{}
		d := New(tr, fastOptions())
		if err := d.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		tr.clearLog()

		start := make(chan struct{})
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			errs[0] = d.Display(context.Background(), black, red)
		}()
		go func() {
			defer wg.Done()
			<-start
			errs[1] = d.Clear(context.Background())
		}()
		close(start)
		wg.Wait()

		// Each operation ends back in Initialized, so whichever loses the
		// race still succeeds afterwards.
		for i, err := range errs {
			if err != nil {
				t.Fatalf("iteration %d: op %d: %v", iter, i, err)
			}
		}
		frames := 0
		for _, c := range tr.commands() {
			switch c {
			case cmdDataBlack:
				frames++
				if frames > 1 {
					t.Fatalf("iteration %d: two frames on the bus at once: %#v",
						iter, tr.commands())
				}
			case cmdRefresh:
				frames--
			}
		}
		if d.State() != StateInitialized {
			t.Fatalf("iteration %d: state = %v, want Initialized", iter, d.State())
		}
	}
}

func TestWaitBusyHonorsContext(t *testing.T) {
	tr := newFakeTransport()
	tr.stuckBusy = true
	d := New(tr, Options{BusyTimeout: time.Minute, BusyPoll: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := d.Initialize(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context deadline", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("initialize blocked %v past cancellation", elapsed)
	}
	if d.State() != StateFaulted {
		t.Fatalf("state = %v, want Faulted", d.State())
	}
}
