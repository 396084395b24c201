// Package ble reads sightings from the host's Bluetooth LE radio. Every
// advertisement received during a passive scan becomes one sighting,
// keyed by the advertiser's address.
package ble

import (
	"sync"

	"tinygo.org/x/bluetooth"
)

// Advertisement is one received BLE advertisement.
type Advertisement struct {
	Address string
	RSSI    int
	Name    string
}

// Radio is the part of a Bluetooth adapter the source needs. Scan
// blocks, calling fn for each advertisement, until StopScan is called
// or the scan fails.
type Radio interface {
	Enable() error
	Scan(fn func(Advertisement)) error
	StopScan() error
}

// adapterRadio drives a tinygo bluetooth adapter.
type adapterRadio struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error
}

// DefaultRadio returns the host's default Bluetooth adapter.
func DefaultRadio() Radio {
	return &adapterRadio{adapter: bluetooth.DefaultAdapter}
}

// Enable powers up the adapter. The underlying adapter may only be
// enabled once per process, so later calls return the first result.
func (r *adapterRadio) Enable() error {
	r.enableOnce.Do(func() {
		r.enableErr = r.adapter.Enable()
	})
	return r.enableErr
}

func (r *adapterRadio) Scan(fn func(Advertisement)) error {
	return r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		fn(Advertisement{
			Address: result.Address.String(),
			RSSI:    int(result.RSSI),
			Name:    result.LocalName(),
		})
	})
}

func (r *adapterRadio) StopScan() error {
	return r.adapter.StopScan()
}
