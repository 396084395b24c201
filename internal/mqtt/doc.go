// Package mqtt connects proxwatch to an MQTT broker. Over one
// connection it publishes a Home Assistant presence binary_sensor and
// a watcher status sensor, accepts stop commands on the device's
// command topic, and can consume ESPresense base station reports as a
// sighting source.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic,
// re-subscribes every routed topic filter and runs the registered
// connect hooks, which republish retained discovery configs and state.
// A will message moves the availability topic to "offline" on an
// unexpected disconnect.
package mqtt
