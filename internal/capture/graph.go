package capture

import (
	"sync"

	"github.com/loqalabs/loqa-capture/internal/pcm"
)

// Node is one stage of the processing graph. Process receives the output of
// the previous stage (nil for the source) and returns its own output.
type Node interface {
	Name() string
	Process(chunk []byte) ([]byte, error)
	Disconnect()
}

// Graph is a linear chain source → processors → tap. New stages can be
// interposed between source and tap without changing the tap contract.
type Graph struct {
	mu    sync.Mutex
	nodes []Node
}

func NewGraph(nodes ...Node) *Graph {
	return &Graph{nodes: nodes}
}

// Pull runs one pass of the chain. It returns the number of bytes that
// reached the tap.
func (g *Graph) Pull() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.nodes) == 0 {
		return 0, nil
	}
	var chunk []byte
	var err error
	for i, node := range g.nodes {
		if i == len(g.nodes)-1 {
			n := len(chunk)
			_, err = node.Process(chunk)
			return n, err
		}
		chunk, err = node.Process(chunk)
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			return 0, nil
		}
	}
	return 0, nil
}

// Disconnect detaches every node, tap first. Safe to call repeatedly.
func (g *Graph) Disconnect() {
	g.mu.Lock()
	nodes := g.nodes
	g.nodes = nil
	g.mu.Unlock()
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].Disconnect()
	}
}

type sourceNode struct {
	mu     sync.Mutex
	stream Stream
}

func newSourceNode(stream Stream) *sourceNode {
	return &sourceNode{stream: stream}
}

func (n *sourceNode) Name() string { return "source" }

func (n *sourceNode) Process(_ []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stream == nil {
		return nil, nil
	}
	return n.stream.Drain()
}

// Disconnect drops the reference only; the session owns closing the stream.
func (n *sourceNode) Disconnect() {
	n.mu.Lock()
	n.stream = nil
	n.mu.Unlock()
}

// gainNode scales linear samples. Drained chunks may end mid-frame, so the
// trailing partial frame is held back and prepended to the next chunk.
type gainNode struct {
	format  pcm.Format
	gain    float64
	pending []byte
}

func newGainNode(format pcm.Format, gain float64) *gainNode {
	return &gainNode{format: format, gain: gain}
}

func (n *gainNode) Name() string { return "gain" }

func (n *gainNode) Process(chunk []byte) ([]byte, error) {
	frame := n.format.FrameSize()
	if !n.format.Linear() || frame <= 1 {
		return pcm.ApplyGain(chunk, n.format, n.gain), nil
	}
	data := chunk
	if len(n.pending) > 0 {
		data = append(n.pending, chunk...)
		n.pending = nil
	}
	whole := len(data) - len(data)%frame
	if whole < len(data) {
		n.pending = append([]byte(nil), data[whole:]...)
	}
	return pcm.ApplyGain(data[:whole], n.format, n.gain), nil
}

// Flush returns the held-back partial frame unscaled.
func (n *gainNode) Flush() []byte {
	out := n.pending
	n.pending = nil
	return out
}

func (n *gainNode) Disconnect() { n.pending = nil }

// tapNode hands every chunk that reaches the end of the chain to sink.
type tapNode struct {
	mu   sync.Mutex
	sink func([]byte)
}

func newTapNode(sink func([]byte)) *tapNode {
	return &tapNode{sink: sink}
}

func (n *tapNode) Name() string { return "tap" }

func (n *tapNode) Process(chunk []byte) ([]byte, error) {
	n.mu.Lock()
	sink := n.sink
	n.mu.Unlock()
	if sink != nil && len(chunk) > 0 {
		sink(chunk)
	}
	return nil, nil
}

func (n *tapNode) Disconnect() {
	n.mu.Lock()
	n.sink = nil
	n.mu.Unlock()
}
