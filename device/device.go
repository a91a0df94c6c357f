// Package device provides the memory-classification collaborator consumed by
// the backend engine: given an address, decide whether it belongs to an
// accelerator and on which device.
package device

import (
	"errors"
	"sync"
)

// ErrInconclusive indicates the classifier could not decide whether the
// address is device memory.
var ErrInconclusive = errors.New("device: classification inconclusive")

// Classifier decides memory placement for a base address.
type Classifier interface {
	// Classify reports whether addr is device-resident and, if so, on which
	// device. An ErrInconclusive return means the caller must not assume
	// either way.
	Classify(addr uintptr) (device bool, deviceID uint32, err error)
}

// HostOnly classifies every address as host memory.
type HostOnly struct{}

// Classify implements Classifier.
func (HostOnly) Classify(uintptr) (bool, uint32, error) { return false, 0, nil }

type span struct {
	base     uintptr
	length   uintptr
	deviceID uint32
}

// RangeClassifier classifies addresses against a registered table of device
// address ranges. Addresses outside every range are host memory.
type RangeClassifier struct {
	mu    sync.RWMutex
	spans []span
}

// NewRangeClassifier returns an empty range table.
func NewRangeClassifier() *RangeClassifier {
	return &RangeClassifier{}
}

// AddRange marks [base, base+length) as resident on deviceID.
func (c *RangeClassifier) AddRange(base, length uintptr, deviceID uint32) {
	if length == 0 {
		return
	}
	c.mu.Lock()
	c.spans = append(c.spans, span{base: base, length: length, deviceID: deviceID})
	c.mu.Unlock()
}

// AddBuffer marks buf's backing array as resident on deviceID.
func (c *RangeClassifier) AddBuffer(buf []byte, deviceID uint32) {
	if len(buf) == 0 {
		return
	}
	c.AddRange(bufferBase(buf), uintptr(len(buf)), deviceID)
}

// Classify implements Classifier.
func (c *RangeClassifier) Classify(addr uintptr) (bool, uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.spans {
		if addr >= s.base && addr < s.base+s.length {
			return true, s.deviceID, nil
		}
	}
	return false, 0, nil
}
