// Package nexus builds a two-level routing fabric for the processes of a
// job.
//
// Processes sharing a node resolve each other over a fast node-local
// transport. One process per node, its *representative*, additionally
// resolves the representatives of every other node over the network. With
// those two maps any process can tell the next hop towards any other
// process without resolving every pair of processes across nodes.
//
// ## How it works
//
// `Bootstrap` is collective over the world communicator of the job:
//
//  1. The world is split into the processes of each node and the group of
//     representatives (local rank 0 of each node).
//  2. Every process brings a node-local endpoint up, exchanges its
//     `ProcessIdentity` with its node and looks every peer up, starting
//     from itself and wrapping around so nobody is looked up by everyone at
//     once.
//  3. The representative of every rank is gathered over the whole job.
//     Representatives negotiate a network address in the configured subnet
//     and port range, exchange it and look each other up the same way.
//
// A background goroutine drives the progress of the transport while
// lookups are in flight. It is stopped once every peer of the phase is
// done, which a barrier guarantees.
//
// Once bootstrapped, `Nexus.NextHop` is a pure function of the frozen maps:
//
//	source -> source representative -> destination representative -> destination
//
// collapsing to a single hop within a node and to two hops when the source
// is a representative.
//
// ## Failure
//
// Bootstrap has no partial result. Any failure aborts the whole job through
// the world communicator and names the step which failed, see `StepError`.
// `MustBootstrap` terminates the process instead of returning.
package nexus
