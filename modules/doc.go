// Package modules turns a setup file into a running set of bus modules.
//
// Module implementations register a Factory under a name, usually from an
// init function or from the application's wiring code. Load instantiates
// the modules a setup file lists, in the order it lists them, and hands each
// constructor an Env carrying its name, its settings block, the message type
// registry and the function it uses to send messages. Bootstrap then runs the
// startup handshake: configure1, configure2 and start, each a sync message
// sent from the previous one's finalizer.
package modules
