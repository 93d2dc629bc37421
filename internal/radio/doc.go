// Package radio manages the bridge's network connections.
//
// # Networks
//
// The primary network is a radio attached over USB serial or reached over
// TCP; both speak the framed protobuf API in internal/meshwire. The optional
// secondary network is a different mesh stack reached through its companion
// bridge, which speaks newline-delimited JSON.
//
// # Routing
//
// Every inbound packet records sender -> network in the SenderMap. Replies
// go back out on the network the recipient was last heard on, falling back
// to the primary. Scheduled broadcasts use the primary only; administrative
// announcements are mirrored to both.
//
// # Failure handling
//
// Each connection has its own read loop. If a connection goes quiet for
// longer than its silence threshold, Watchdog closes and redials only that
// connection and resets its session counters. Sends that fail because the
// connection is going away are logged at debug level and skipped.
package radio
