package ivm

// NodeStream is a lazily produced, ordered sequence of nodes. Streams are
// pull-based and single-use: a consumer calls Next until it returns ok=false
// (or an error) and must call Close when done, including on early
// abandonment, so that operators can release per-call resources.
type NodeStream interface {
	// Next returns the next node. ok=false signals exhaustion. After an
	// error or exhaustion the stream must not be pulled again.
	Next() (node *Node, ok bool, err error)
	// Close releases the stream's resources. Idempotent.
	Close() error
}

// emptyStream is a NodeStream with no nodes.
type emptyStream struct{}

func (emptyStream) Next() (*Node, bool, error) { return nil, false, nil }
func (emptyStream) Close() error               { return nil }

// EmptyStream returns a stream that is already exhausted.
func EmptyStream() NodeStream { return emptyStream{} }

// sliceStream yields a fixed node slice.
type sliceStream struct {
	nodes []*Node
	pos   int
}

// StreamOf returns a stream over the given nodes, in the given order.
func StreamOf(nodes ...*Node) NodeStream { return &sliceStream{nodes: nodes} }

func (s *sliceStream) Next() (*Node, bool, error) {
	if s.pos >= len(s.nodes) {
		return nil, false, nil
	}
	n := s.nodes[s.pos]
	s.pos++
	return n, true, nil
}

func (s *sliceStream) Close() error {
	s.pos = len(s.nodes)
	return nil
}

// funcStream adapts a pull function and an optional close function.
type funcStream struct {
	next   func() (*Node, bool, error)
	close  func() error
	closed bool
}

func newFuncStream(next func() (*Node, bool, error), close func() error) *funcStream {
	return &funcStream{next: next, close: close}
}

func (s *funcStream) Next() (*Node, bool, error) {
	if s.closed {
		return nil, false, nil
	}
	return s.next()
}

func (s *funcStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close != nil {
		return s.close()
	}
	return nil
}

// filterStream yields the upstream nodes for which keep returns true.
type filterStream struct {
	up   NodeStream
	keep func(*Node) bool
}

func newFilterStream(up NodeStream, keep func(*Node) bool) NodeStream {
	return &filterStream{up: up, keep: keep}
}

func (s *filterStream) Next() (*Node, bool, error) {
	for {
		n, ok, err := s.up.Next()
		if err != nil || !ok {
			return nil, false, err
		}
		if s.keep(n) {
			return n, true, nil
		}
	}
}

func (s *filterStream) Close() error { return s.up.Close() }

// Drain materializes a stream into a slice, closing it afterwards. On error
// the stream is still closed and the nodes read so far are returned.
func Drain(s NodeStream) ([]*Node, error) {
	defer s.Close() //nolint:errcheck
	var nodes []*Node
	for {
		n, ok, err := s.Next()
		if err != nil {
			return nodes, err
		}
		if !ok {
			return nodes, nil
		}
		nodes = append(nodes, n)
	}
}

// DrainRows materializes a stream into its rows, closing it afterwards.
func DrainRows(s NodeStream) ([]map[string]any, error) {
	nodes, err := Drain(s)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		plain := make(map[string]any, len(n.Row))
		for k, v := range n.Row {
			plain[k] = v.Interface()
		}
		rows[i] = plain
	}
	return rows, nil
}
