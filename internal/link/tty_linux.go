//go:build linux

package link

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// OpenTTY opens a terminal device (typically a pty bridge) in raw mode. The
// fd stays non-blocking on the runtime poller so Close unblocks the reader.
func OpenTTY(path string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("link: open tty %s: %w", path, err)
	}
	if err := setRaw(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("link: raw mode %s: %w", path, err)
	}
	return f, nil
}

func setRaw(f *os.File) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var rawErr error
	if err := rc.Control(func(fd uintptr) {
		rawErr = makeRaw(int(fd))
	}); err != nil {
		return err
	}
	return rawErr
}

func makeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
