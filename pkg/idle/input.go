package idle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/srodi/waterwall/pkg/logger"
)

// DefaultInputGlob matches the evdev nodes of keyboards and pointers.
const DefaultInputGlob = "/dev/input/event*"

// inputEventSize is sizeof(struct input_event) on 64-bit kernels.
const inputEventSize = 24

// openDevice is swapped in tests.
var openDevice = func(path string) (io.ReadCloser, error) { return os.Open(path) }

// InputDeviceSource treats any event read from a matching input device as activity.
type InputDeviceSource struct {
	Glob string
}

// Run blocks until ctx is done. Devices that cannot be opened are skipped; it is an
// error only when none could be opened.
func (s InputDeviceSource) Run(ctx context.Context, touch func()) error {
	pattern := s.Glob
	if pattern == "" {
		pattern = DefaultInputGlob
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("matching input devices: %w", err)
	}

	log := logger.Logger(ctx)
	var devices []io.ReadCloser
	var openErr error
	for _, path := range paths {
		dev, err := openDevice(path)
		if err != nil {
			openErr = errors.Join(openErr, err)
			continue
		}
		devices = append(devices, dev)
	}
	if len(devices) == 0 {
		if openErr == nil {
			openErr = fmt.Errorf("no devices match %s", pattern)
		}
		return fmt.Errorf("watching input devices: %w", openErr)
	}
	if openErr != nil {
		log.Warn().Err(openErr).Msg("some input devices could not be opened")
	}
	log.Debug().Int("devices", len(devices)).Msg("watching input devices for activity")

	var wg sync.WaitGroup
	for _, dev := range devices {
		wg.Add(1)
		go func(r io.Reader) {
			defer wg.Done()
			buf := make([]byte, inputEventSize*16)
			for {
				n, err := r.Read(buf)
				if n > 0 {
					touch()
				}
				if err != nil {
					return
				}
			}
		}(dev)
	}

	<-ctx.Done()
	// Closing unblocks the pending reads.
	for _, dev := range devices {
		dev.Close()
	}
	wg.Wait()
	return nil
}
