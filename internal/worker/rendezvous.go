package worker

import (
	"fmt"
	"os"
)

// RendezVous is the worker side of the out-of-band busy/idle signal: a
// single byte written to a separate FIFO, read by the supervisor to learn a
// worker's state without going through the request/reply pipe.
type RendezVous struct {
	f    *os.File
	busy bool
}

// OpenRendezVous opens the rendez-vous FIFO for writing. The worker starts
// in the busy state — Done is called once setup completes and the worker
// is ready to receive its first message.
func OpenRendezVous(path string) (*RendezVous, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("worker: open rendez-vous %s: %w", path, err)
	}
	return &RendezVous{f: f, busy: true}, nil
}

// Busy signals that the worker has started processing a request. A no-op if
// already busy, so repeated calls don't spam the FIFO.
func (r *RendezVous) Busy() error {
	if r.busy {
		return nil
	}
	r.busy = true
	_, err := r.f.Write([]byte{0x01})
	return err
}

// Done signals that the worker is idle and ready for the next request.
func (r *RendezVous) Done() error {
	if !r.busy {
		return nil
	}
	r.busy = false
	_, err := r.f.Write([]byte{0x00})
	return err
}

// Close releases the FIFO file descriptor.
func (r *RendezVous) Close() error {
	return r.f.Close()
}
