// Package typebridge translates type identifiers between two processes.
//
// Objects arrive with the sender's type id still in their header. The
// receiver rewrites it to its own id for the same type name. Two strategies
// exist: OnDemand asks a naming service the first time an id is seen and
// caches the answer for the life of the connection; Table uses a type list
// registered identically on both ends, announced once by the sender.
package typebridge
