package roomlink

import "golang.org/x/sync/errgroup"

// TransportMode resolves topology-dependent operations over whichever
// transports exist, so callers never branch on topology directly. Exactly
// one contained transport is primary and drives reconnect triggers. The
// publisher accessor always resolves to the transport used for outbound
// media and data; the subscriber accessor to the one receiving remote tracks
// and server-opened data channels — in combined mode both alias the same
// instance.
type TransportMode interface {
	Primary() *Transport
	Publisher() *Transport
	Subscriber() *Transport

	// ForTarget resolves which transport handles messages for target.
	ForTarget(target SignalTarget) *Transport

	// Transports returns each distinct transport once.
	Transports() []*Transport

	// Close closes every distinct transport exactly once, even when
	// publisher and subscriber alias the same instance.
	Close() error
}

// publisherOnlyMode is the combined, single-connection topology.
type publisherOnlyMode struct {
	transport *Transport
}

func NewPublisherOnlyMode(transport *Transport) TransportMode {
	return &publisherOnlyMode{transport: transport}
}

func (m *publisherOnlyMode) Primary() *Transport    { return m.transport }
func (m *publisherOnlyMode) Publisher() *Transport  { return m.transport }
func (m *publisherOnlyMode) Subscriber() *Transport { return m.transport }

func (m *publisherOnlyMode) ForTarget(SignalTarget) *Transport {
	return m.transport
}

func (m *publisherOnlyMode) Transports() []*Transport {
	return []*Transport{m.transport}
}

func (m *publisherOnlyMode) Close() error {
	return m.transport.Close()
}

// subscriberPrimaryMode is the dual-connection topology where the subscriber
// transport gates session connectivity.
type subscriberPrimaryMode struct {
	publisher  *Transport
	subscriber *Transport
}

func NewSubscriberPrimaryMode(publisher, subscriber *Transport) TransportMode {
	return &subscriberPrimaryMode{publisher: publisher, subscriber: subscriber}
}

func (m *subscriberPrimaryMode) Primary() *Transport    { return m.subscriber }
func (m *subscriberPrimaryMode) Publisher() *Transport  { return m.publisher }
func (m *subscriberPrimaryMode) Subscriber() *Transport { return m.subscriber }

func (m *subscriberPrimaryMode) ForTarget(target SignalTarget) *Transport {
	if target == TargetSubscriber {
		return m.subscriber
	}
	return m.publisher
}

func (m *subscriberPrimaryMode) Transports() []*Transport {
	return []*Transport{m.publisher, m.subscriber}
}

func (m *subscriberPrimaryMode) Close() error {
	return closeTransports(m.publisher, m.subscriber)
}

// publisherPrimaryMode is the dual-connection topology where the publisher
// transport gates session connectivity.
type publisherPrimaryMode struct {
	publisher  *Transport
	subscriber *Transport
}

func NewPublisherPrimaryMode(publisher, subscriber *Transport) TransportMode {
	return &publisherPrimaryMode{publisher: publisher, subscriber: subscriber}
}

func (m *publisherPrimaryMode) Primary() *Transport    { return m.publisher }
func (m *publisherPrimaryMode) Publisher() *Transport  { return m.publisher }
func (m *publisherPrimaryMode) Subscriber() *Transport { return m.subscriber }

func (m *publisherPrimaryMode) ForTarget(target SignalTarget) *Transport {
	if target == TargetSubscriber {
		return m.subscriber
	}
	return m.publisher
}

func (m *publisherPrimaryMode) Transports() []*Transport {
	return []*Transport{m.publisher, m.subscriber}
}

func (m *publisherPrimaryMode) Close() error {
	return closeTransports(m.publisher, m.subscriber)
}

func closeTransports(transports ...*Transport) error {
	g := errgroup.Group{}
	for _, transport := range transports {
		transport := transport
		g.Go(transport.Close)
	}
	return g.Wait()
}
