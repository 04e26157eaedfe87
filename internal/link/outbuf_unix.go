//go:build unix

package link

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func (o *OutBuf) finish() error {
	fd := int(o.f.Fd())
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("fsync %s: %w", o.f.Name(), err)
	}
	if err := unix.Fchmod(fd, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", o.f.Name(), err)
	}
	return nil
}
