// Package server implements the connection hub and message-distribution
// engine of the chat relay.
//
// The implementation is split into focused files: the Registry tracks live
// connections, the Hub serializes registration and event fan-out through one
// loop, Client owns the per-connection pumps and session routing, and the
// remaining files cover the event codec, configuration, origin checks, rate
// limiting, and the HTTP surface.
package server
