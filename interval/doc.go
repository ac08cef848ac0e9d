// Package interval indexes the address ranges already scheduled for
// transmission and maps any address inside them to its offset in the
// outgoing byte stream.
//
// Handle is called once per visited object. Allocation order usually
// matches traversal order, so the common cases are answered from a cached
// trio of intervals (the newest interval and its two address neighbours)
// without searching the tree:
//
//	addr == curr.End()          extend curr in place
//	addr inside prev/curr/next  back-reference
//	addr between curr and next  insert as curr's successor
//	addr between prev and curr  insert as curr's predecessor
//
// Everything else searches the tree.
package interval
