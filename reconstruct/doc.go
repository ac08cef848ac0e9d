// Package reconstruct rebuilds an object graph on the receiving side of a
// transfer.
//
// Received bytes are already the objects: the reconstructor walks them in
// place, replaying the sender's traversal with the same frontier policy.
// Each pointer slot it pops is one visit. When the next back-reference
// names that visit, the slot is pointed at the earlier object at the given
// stream offset; otherwise the slot receives the next object in the stream,
// whose type word is rebound from the sender's id to the local one.
//
// Data may arrive in any number of regions. PushRegion processes as far as
// the received bytes allow and resumes on the next call.
package reconstruct
