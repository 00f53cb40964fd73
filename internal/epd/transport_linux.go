//go:build linux

package epd

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// BCM pin assignments from the vendor HAT wiring. Chip select is driven
// by the SPI controller itself (CE0).
const (
	bcmRST  = 17
	bcmDC   = 25
	bcmBusy = 24
)

const spiSpeed = 4 * physic.MegaHertz

// SPITransport binds the Transport capability to periph.io GPIO + SPI.
type SPITransport struct {
	port spi.PortCloser
	conn spi.Conn

	rst  gpio.PinOut
	dc   gpio.PinOut
	busy gpio.PinIn
}

// OpenSPI initializes periph.io, opens the default SPI port (typically
// /dev/spidev0.0 on a Raspberry Pi) and claims the control pins.
func OpenSPI() (*SPITransport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("epd: periph host init: %w", err)
	}

	port, err := spireg.Open("")
	if err != nil {
		return nil, fmt.Errorf("epd: open SPI port: %w", err)
	}
	conn, err := port.Connect(spiSpeed, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: connect SPI: %w", err)
	}

	pinOut := func(num int) (gpio.PinOut, error) {
		name := fmt.Sprintf("GPIO%d", num)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("epd: gpio %s not found", name)
		}
		if err := p.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("epd: gpio %s out: %w", name, err)
		}
		return p, nil
	}

	rst, err := pinOut(bcmRST)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	dc, err := pinOut(bcmDC)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	busyName := fmt.Sprintf("GPIO%d", bcmBusy)
	busy := gpioreg.ByName(busyName)
	if busy == nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: gpio %s not found", busyName)
	}
	if err := busy.In(gpio.PullUp, gpio.NoEdge); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("epd: gpio %s in: %w", busyName, err)
	}

	return &SPITransport{port: port, conn: conn, rst: rst, dc: dc, busy: busy}, nil
}

// Reset pulses the RST line per the controller datasheet.
func (t *SPITransport) Reset() {
	_ = t.rst.Out(gpio.High)
	time.Sleep(200 * time.Millisecond)
	_ = t.rst.Out(gpio.Low)
	time.Sleep(10 * time.Millisecond)
	_ = t.rst.Out(gpio.High)
	time.Sleep(200 * time.Millisecond)
}

func (t *SPITransport) SetDataCommand(data bool) {
	if data {
		_ = t.dc.Out(gpio.High)
	} else {
		_ = t.dc.Out(gpio.Low)
	}
}

// Transfer clocks bytes out in chunks the spidev layer accepts.
func (t *SPITransport) Transfer(p []byte) error {
	const chunk = 4096
	for len(p) > 0 {
		n := len(p)
		if n > chunk {
			n = chunk
		}
		if err := t.conn.Tx(p[:n], nil); err != nil {
			return fmt.Errorf("epd: spi tx: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// ReadBusy reports true while the controller is processing. The busy
// line on this panel is active-low.
func (t *SPITransport) ReadBusy() bool {
	return t.busy.Read() == gpio.Low
}

// Close releases the SPI port. GPIO pins need no explicit release.
func (t *SPITransport) Close() error {
	return t.port.Close()
}
