package dpload_test

import (
	"sync"

	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/protocols/dpload"
	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/gavinwade12/dpload/protocols/j1939"
)

const (
	tool byte = dpload.DefaultSourceAddress
	node byte = dpload.DefaultDestinationAddress
)

func dm17ID(from, to byte) uint32 {
	return j1939.BuildID(j1939.PDU1PGN(j1939.PFDM17, to), from, j1939.DefaultPriority)
}

// handler answers a decoded request. Returning ok=false leaves the request
// unanswered.
type handler func(cmd byte, payload []byte) (respCmd byte, resp []byte, ok bool)

// fakeNode emulates a bootloader at address node on a virtual bus.
type fakeNode struct {
	bus *bus.Virtual

	mu       sync.Mutex
	r        frame.Reassembler
	requests []frame.Frame
	other    []bus.Frame
	handle   handler
}

func newFakeNode(v *bus.Virtual, h handler) *fakeNode {
	n := &fakeNode{bus: v, handle: h}
	v.OnSend(n.onSend)
	return n
}

func (n *fakeNode) onSend(f bus.Frame) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if f.ID != dm17ID(tool, node) {
		n.other = append(n.other, f)
		return nil
	}
	req, ok, err := n.r.Append(f.Data)
	if err != nil || !ok {
		return nil
	}
	n.r.Reset()
	n.requests = append(n.requests, req)

	cmd, resp, reply := n.handle(req.Command, req.Payload)
	if reply {
		n.send(frame.Encode(cmd, resp))
	}
	return nil
}

func (n *fakeNode) send(wire []byte) {
	for off := 0; off < len(wire); off += 8 {
		end := off + 8
		if end > len(wire) {
			end = len(wire)
		}
		n.bus.Inject(bus.Frame{ID: dm17ID(node, tool), Data: wire[off:end], Extended: true})
	}
}

func (n *fakeNode) Requests() []frame.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]frame.Frame(nil), n.requests...)
}

func (n *fakeNode) Other() []bus.Frame {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bus.Frame(nil), n.other...)
}

func echo(cmd byte, payload []byte) (byte, []byte, bool) {
	return cmd, nil, true
}
