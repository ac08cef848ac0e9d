package linearize

import "github.com/wippyai/graphwire"

// Stats summarizes a complete linearization.
type Stats struct {
	Bytes    uint32
	Objects  uint32
	BackRefs uint32
	Visits   uint32
	Segments int
}

// Measure linearizes the graph under root without transmitting it and
// reports its size. BFS and DFS visit the same objects and report the same
// byte and object totals; segment counts differ with the visit order.
func Measure(model graphwire.Model, root graphwire.Ref, policy graphwire.Policy) (Stats, error) {
	l := New(model, Options{Policy: policy})
	if err := l.Init(root); err != nil {
		return Stats{}, err
	}
	if _, err := l.Linearize(Unbounded); err != nil {
		return Stats{}, err
	}
	return Stats{
		Bytes:    l.Bytes(),
		Objects:  l.Objects(),
		BackRefs: l.BackRefs(),
		Visits:   l.Visits(),
		Segments: l.Segments(),
	}, nil
}
