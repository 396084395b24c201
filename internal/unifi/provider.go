// Package unifi turns a UniFi Network controller into a sighting
// source: the controller's wireless station list reports each client's
// signal strength at its access point, which proxwatch polls and feeds
// to the watcher as sightings.
package unifi

import "context"

// DeviceLocation is a wireless device as reported by a network
// controller.
type DeviceLocation struct {
	MAC      string // device MAC address
	APName   string // name of the AP the device is connected to
	Signal   int    // RSSI in dBm
	LastSeen int64  // Unix timestamp of last activity
}

// DeviceLocator provides wireless device data from a network
// controller. [Client] implements it for UniFi.
type DeviceLocator interface {
	// LocateDevices returns every wireless device the controller
	// currently knows about.
	LocateDevices(ctx context.Context) ([]DeviceLocation, error)

	// Ping checks if the network controller is reachable.
	Ping(ctx context.Context) error
}
