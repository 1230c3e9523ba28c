//go:build linux

package wiznet

import (
	"errors"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// spidev ioctl requests, see linux/spi/spidev.h.
const (
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04
)

func spiIocMessage(n uintptr) uintptr {
	return 1<<30 | (n*unsafe.Sizeof(spiIocTransfer{}))<<16 | 'k'<<8
}

// spiIocTransfer mirrors struct spi_ioc_transfer.
type spiIocTransfer struct {
	txBuf       uint64
	rxBuf       uint64
	len         uint32
	speedHz     uint32
	delayUsecs  uint16
	bitsPerWord uint8
	csChange    uint8
	txNbits     uint8
	rxNbits     uint8
	wordDelay   uint8
	_           uint8
}

// SPIDev implements [Bus] over a Linux spidev character device. Chip select
// is driven by the kernel for the length of one ioctl, so writes are
// accumulated between Select and the next read or Deselect and issued as a
// single message.
type SPIDev struct {
	mu    sync.Mutex
	fd    int
	speed uint32
	tx    []byte
	rx1   [1]byte
	xfer  [2]spiIocTransfer
	err   error
}

// OpenSPIDev opens a spidev device such as /dev/spidev0.0 in SPI mode 0.
func OpenSPIDev(path string, speedHz uint32) (_ *SPIDev, err error) {
	if speedHz == 0 {
		return nil, errors.New("wiznet: zero SPI speed")
	}
	spi := SPIDev{speed: speedHz, tx: make([]byte, 0, DefaultTxBufSize+3)}
	spi.fd, err = unix.Open(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	var mode, bits uint8 = 0, 8
	if err = spi.ioctl(spiIocWrMode, unsafe.Pointer(&mode)); err == nil {
		err = spi.ioctl(spiIocWrBitsPerWord, unsafe.Pointer(&bits))
	}
	if err == nil {
		err = spi.ioctl(spiIocWrMaxSpeedHz, unsafe.Pointer(&speedHz))
	}
	if err != nil {
		spi.Close()
		return nil, err
	}
	return &spi, nil
}

// Close closes the device file.
func (s *SPIDev) Close() error {
	return unix.Close(s.fd)
}

// Err returns the first transfer error encountered and clears it.
func (s *SPIDev) Err() error {
	err := s.err
	s.err = nil
	return err
}

func (s *SPIDev) BeginTransaction() { s.mu.Lock() }
func (s *SPIDev) EndTransaction()   { s.mu.Unlock() }
func (s *SPIDev) Select()           { s.tx = s.tx[:0] }

func (s *SPIDev) Deselect() {
	if len(s.tx) > 0 {
		s.transfer(nil)
	}
}

func (s *SPIDev) WriteReg(b byte)     { s.tx = append(s.tx, b) }
func (s *SPIDev) WriteBurst(p []byte) { s.tx = append(s.tx, p...) }

func (s *SPIDev) ReadReg() byte {
	s.ReadBurst(s.rx1[:])
	return s.rx1[0]
}

func (s *SPIDev) ReadBurst(p []byte) {
	s.transfer(p)
}

// transfer sends the accumulated tx bytes followed by a read into rx, with
// chip select held across both.
func (s *SPIDev) transfer(rx []byte) {
	n := uintptr(0)
	if len(s.tx) > 0 {
		s.xfer[n] = spiIocTransfer{
			txBuf:       uint64(uintptr(unsafe.Pointer(&s.tx[0]))),
			len:         uint32(len(s.tx)),
			speedHz:     s.speed,
			bitsPerWord: 8,
		}
		n++
	}
	if len(rx) > 0 {
		s.xfer[n] = spiIocTransfer{
			rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
			len:         uint32(len(rx)),
			speedHz:     s.speed,
			bitsPerWord: 8,
		}
		n++
	}
	s.tx = s.tx[:0]
	if n == 0 {
		return
	}
	err := s.ioctl(spiIocMessage(n), unsafe.Pointer(&s.xfer[0]))
	if err != nil && s.err == nil {
		s.err = err
	}
}

func (s *SPIDev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
