// Package mqtt forwards agent events to an MQTT broker so that other
// systems can follow conversations as they happen.
//
// Every bus event is published as JSON to <prefix>/events/<kind>. A
// retained daily activity summary is kept at <prefix>/stats, and
// <prefix>/availability carries a retained "online" birth message with
// an "offline" will.
//
// Connection management, including reconnection, is handled by Eclipse
// Paho v2's [autopaho] package.
package mqtt
