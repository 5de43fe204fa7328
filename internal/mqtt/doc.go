// Package mqtt publishes skeleton messages to the broker.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Skeleton messages
// go out at the configured QoS (0, at-most-once, unless upgraded) with
// retain=false and are never retried by the relay. When a status topic
// is configured, a retained "online" is published on every
// (re-)connect and a will message flips it to "offline" on unexpected
// disconnects.
//
// Publish and Stop are guarded by a read/write lock: Stop waits for
// in-flight publishes, then marks the publisher closed so later calls
// fail with [ErrClosed] instead of racing the disconnect.
package mqtt
