package evaluation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type DeviceType string

const (
	CPU DeviceType = "CPU"
	GPU DeviceType = "GPU"
)

// Device names where a session places its computation, written as
// "/cpu:0", "/gpu:1" or "/device:GPU:1".
type Device struct {
	Type  DeviceType
	Index int
}

func (d Device) String() string {
	return fmt.Sprintf("/%s:%d", strings.ToLower(string(d.Type)), d.Index)
}

func ParseDevice(s string) (Device, error) {
	dev := strings.TrimPrefix(strings.TrimSpace(s), "/")
	dev = strings.TrimPrefix(strings.ToLower(dev), "device:")

	kind, index, ok := strings.Cut(dev, ":")
	if !ok {
		return Device{}, errors.Errorf("invalid device %q: want /<cpu|gpu>:<index>", s)
	}
	n, err := strconv.Atoi(index)
	if err != nil || n < 0 {
		return Device{}, errors.Errorf("invalid device index in %q", s)
	}

	switch DeviceType(strings.ToUpper(kind)) {
	case CPU:
		return Device{Type: CPU, Index: n}, nil
	case GPU:
		return Device{Type: GPU, Index: n}, nil
	default:
		return Device{}, errors.Errorf("invalid device type %q in %q", kind, s)
	}
}

// place returns the device the computation actually runs on. Evaluation
// runs on the host, so accelerators fall back to the first CPU.
func place(requested Device) Device {
	if requested.Type == CPU {
		return requested
	}
	placed := Device{Type: CPU}
	log.WithFields(log.Fields{"requested": requested.String(), "placed": placed.String()}).
		Warn("Device not available, using soft placement")
	return placed
}
