// Package mqtt announces support activity on an MQTT broker. Each new
// ticket is published to <prefix>/tickets/created, and a retained stats
// document under <prefix>/stats is refreshed periodically with session,
// ticket and token counts for dashboards.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained birth message ("online") to the
// availability topic. A will message flips the topic to "offline" on
// unexpected disconnects.
package mqtt
