// Package device discovers simulators and physical devices for a test target.
package device

import (
	"context"
	"fmt"

	"github.com/danielpaulus/go-ios/ios"

	"github.com/devicelab-dev/device-harness/pkg/apple"
)

// HardwareDevice is a physical device attached through usbmuxd.
type HardwareDevice struct {
	udid       string
	name       string
	osVersion  string // e.g., "17.2"
	class      string // iPhone, iPad, iPod, AppleTV, Watch
	connection string // USB or Network
	paired     bool
}

var _ apple.Device = (*HardwareDevice)(nil)

// UDID returns the device UDID.
func (d *HardwareDevice) UDID() string { return d.udid }

// Name returns the user-visible device name.
func (d *HardwareDevice) Name() string { return d.name }

// OSVersion returns the bare OS version.
func (d *HardwareDevice) OSVersion() string { return d.osVersion }

// IsWireless reports whether the device is reachable only over the network.
func (d *HardwareDevice) IsWireless() bool { return d.connection == "Network" }

// IsPaired reports whether lockdown values could be read, which requires a trust pairing.
func (d *HardwareDevice) IsPaired() bool { return d.paired }

// RunMode maps the device class to an OS family.
func (d *HardwareDevice) RunMode() apple.RunMode {
	switch d.class {
	case "AppleTV":
		return apple.RunModeTvOS
	case "Watch":
		return apple.RunModeWatchOS
	default:
		return apple.RunModeIOS
	}
}

// HardwareLister enumerates attached devices.
type HardwareLister interface {
	ListHardware(ctx context.Context) ([]*HardwareDevice, error)
}

// USBMux lists devices through usbmuxd with go-ios.
type USBMux struct{}

// ListHardware implements HardwareLister.
func (USBMux) ListHardware(ctx context.Context) ([]*HardwareDevice, error) {
	list, err := ios.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices from usbmuxd: %w", err)
	}

	devices := make([]*HardwareDevice, 0, len(list.DeviceList))
	for _, entry := range list.DeviceList {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d := &HardwareDevice{
			udid:       entry.Properties.SerialNumber,
			connection: entry.Properties.ConnectionType,
		}

		values, err := ios.GetValues(entry)
		if err == nil {
			d.paired = true
			d.name = values.Value.DeviceName
			d.osVersion = values.Value.ProductVersion
			d.class = values.Value.DeviceClass
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// NewHardwareDevice builds a device record; used by listers other than USBMux.
func NewHardwareDevice(udid, name, osVersion, class, connection string, paired bool) *HardwareDevice {
	return &HardwareDevice{
		udid:       udid,
		name:       name,
		osVersion:  osVersion,
		class:      class,
		connection: connection,
		paired:     paired,
	}
}
