// Package messaging contains transport-facing adapters for forwarding
// crawl results to decoupled services, could be RabbitMQ, Kafka or Redis
// streams. It is not on the crawl's hot path: the crawler.Sink interface is
// the contract workers call synchronously, messaging provides one concrete
// Sink implementation that relays onto a ProducerConsumerCloser.
package messaging

// Producer defines a producer behavior, exposes a single Produce method
// meant to enqueue a payload of bytes.
type Producer interface {
	Produce([]byte) error
}

// Consumer defines a consumer behavior, exposes a single Consume method
// meant to connect to a queue, blocking while consuming incoming payloads
// and forwarding them into a channel.
type Consumer interface {
	Consume(chan<- []byte) error
}

// ProducerConsumer defines the behavior of a simple message queue: a
// Produce and a Consume side.
type ProducerConsumer interface {
	Producer
	Consumer
}

// ProducerConsumerCloser defines the behavior of a simple message queue
// that requires some kind of external connection to be managed.
type ProducerConsumerCloser interface {
	ProducerConsumer
	Close()
}
