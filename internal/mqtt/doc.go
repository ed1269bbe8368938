// Package mqtt exports loop activity to an MQTT broker. Every event on
// the bus is published as JSON under the configured topic prefix, and a
// retained status document summarizes today's runs.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a birth message ("online") to the
// availability topic. A will message ensures the availability topic
// transitions to "offline" on unexpected disconnects.
//
// Topics, relative to the prefix:
//
//	availability         online / offline (retained)
//	status               JSON status document (retained)
//	events/<kind>        one JSON message per loop event
package mqtt
