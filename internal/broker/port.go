package broker

// Port is one connected channel's mailbox. The broker owns the send side
// and closes it when the channel is evicted or disconnects.
type Port struct {
	ID   string
	send chan Envelope
}

// Receive exposes the envelopes addressed to this channel. The channel is
// closed when the port is no longer connected.
func (p *Port) Receive() <-chan Envelope { return p.send }
