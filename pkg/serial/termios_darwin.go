//go:build darwin

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlTCFlush    = unix.TIOCFLUSH
)

// setSpeed sets the baud rate on the termios struct for macOS.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Ispeed = uint64(speed)
	termios.Ospeed = uint64(speed)
}

func platformSpeeds() map[int]uint32 {
	return nil
}

// setCustomBaudRate sets a nonstandard rate with IOSSIOSPEED.
func setCustomBaudRate(fd int, baud int) error {
	const IOSSIOSPEED = 0x80045402 // _IOW('T', 2, speed_t)
	return unix.IoctlSetPointerInt(fd, IOSSIOSPEED, baud)
}

const supportsCustomBaud = true
