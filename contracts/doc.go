// Package contracts defines the shared vocabulary of the halcore bus.
//
// It holds the names of the message types the core and the bundled modules
// agree on, the payload keys those messages carry, and the small value types
// that travel back to a message's source once every module has handled it:
//   - Response: data attached to a message by a module
//   - Failure: an error attached to a message by a module
//   - Parameters: the per-module settings exchanged during a
//     "new parameters" round and rebuilt from "old parameters" responses when
//     a change has to be reverted
//
// Nothing in this package talks to the dispatcher; it only describes what
// flows through it.
package contracts
