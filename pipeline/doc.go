// Package pipeline wires the pieces of a graph transfer together.
//
// A Sender owns a linearizer and the sending half of a transport session;
// it turns a root into batches and pushes them over the link. A Receiver
// owns the receiving half and a reconstructor; it rebuilds every graph in
// host memory as its batches arrive, resolving sender type ids through a
// typebridge.Bridge.
//
//	snd, _ := pipeline.NewSender(link, src, bridge, pipeline.SenderOptions{})
//	_ = snd.Start(ctx)
//	_ = snd.Send(ctx, root)
//
//	rcv, _ := pipeline.NewReceiver(link, dst, bridge, pipeline.ReceiverOptions{})
//	_ = rcv.Start(ctx)
//	ref, _ := rcv.Receive(ctx)
//
// Both halves are owned by one goroutine each.
package pipeline
