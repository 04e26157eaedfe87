//go:build !unix

package link

import (
	"fmt"
	"os"
)

func (o *OutBuf) finish() error {
	if err := o.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", o.f.Name(), err)
	}
	if err := os.Chmod(o.f.Name(), 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", o.f.Name(), err)
	}
	return nil
}
