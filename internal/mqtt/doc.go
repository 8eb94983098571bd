// Package mqtt publishes session status to an MQTT broker.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained Home Assistant discovery configs
// for each status sensor and a birth message ("online") to the
// availability topic. A will message moves the availability topic to
// "offline" on unexpected disconnects. While connected, sensor states
// (uptime, servers ready, tools, queries, tokens today) are pushed on a
// fixed interval.
package mqtt
