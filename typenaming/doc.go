// Package typenaming answers "what is the name of your type id N" for the
// on-demand type bridge.
//
// A sender process exposes its catalog through one of the services here and
// the receiver's bridge queries it on every cache miss:
//
//	Local      in-process catalog, for pipes and tests
//	Store      bbolt file shared by processes on one machine
//	Server     gRPC service, queried with Client
//	Responder  NATS request/reply subject, queried with NATSClient
//
// Every namer returns an errors.KindNotFound error for unknown ids.
package typenaming
