//go:build !linux

package epd

import "errors"

// OpenSPI only has a real implementation on linux hosts with SPI/GPIO.
// Elsewhere the daemon can still run with -render-only.
func OpenSPI() (*SPITransport, error) {
	return nil, errors.New("epd: SPI transport is only available on linux")
}

// SPITransport is a non-functional placeholder off-target so the rest of
// the package keeps building.
type SPITransport struct{}

func (t *SPITransport) Reset()                   {}
func (t *SPITransport) SetDataCommand(data bool) {}
func (t *SPITransport) Transfer(p []byte) error {
	return errors.New("epd: no SPI transport on this platform")
}
func (t *SPITransport) ReadBusy() bool { return false }
func (t *SPITransport) Close() error   { return nil }
