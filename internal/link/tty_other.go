//go:build !linux

package link

import (
	"errors"
	"io"
)

func OpenTTY(path string) (io.ReadWriteCloser, error) {
	return nil, errors.New("link: tty endpoints need linux")
}
