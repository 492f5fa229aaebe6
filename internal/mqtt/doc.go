// Package mqtt presents the bridge to Home Assistant through MQTT
// discovery.
//
// The connection is managed by Eclipse Paho v2's [autopaho], which
// reconnects on its own. On every (re-)connect the publisher announces
// the bridge device (feature switches and refresh diagnostics),
// subscribes to the switch command topics and, when the coordinator
// already holds data, replays every Firewalla entity. After each
// refresh it announces entities it has not seen yet, withdraws
// entities whose feature was switched off, and publishes states and
// JSON attributes.
//
// Two availability topics are used. The bridge topic follows the
// connection and is set to "offline" by the broker through the will
// message. The data topic is "online" once the coordinator has
// produced a snapshot, stale or fresh. Firewalla entities require both.
package mqtt
