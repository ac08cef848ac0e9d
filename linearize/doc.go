// Package linearize walks an object graph and produces the byte stream the
// transport sends: intervals of raw object bytes in visit order, plus a
// back-reference (visit index, stream offset) for every visit of an object
// already in the stream.
//
// The walk is resumable. Linearize stops when a Budget is reached and the
// next call continues from the same frontier, so batches can be pipelined
// while the rest of the graph is still being walked. The visit index is
// global across batches; the receiver counts visits the same way.
package linearize
