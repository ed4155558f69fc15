//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

// setSpeed sets the baud rate on the termios struct for Linux. The rate
// lives in the CBAUD bits of Cflag; Ispeed/Ospeed mirror it for glibc.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Cflag &^= unix.CBAUD | unix.CBAUDEX
	termios.Cflag |= speed
	termios.Ispeed = speed
	termios.Ospeed = speed
}

func platformSpeeds() map[int]uint32 {
	return map[int]uint32{
		460800:  unix.B460800,
		500000:  unix.B500000,
		921600:  unix.B921600,
		1000000: unix.B1000000,
	}
}

// Linux rates outside the table would need termios2/BOTHER.
func setCustomBaudRate(fd int, baud int) error {
	return nil
}

const supportsCustomBaud = false
