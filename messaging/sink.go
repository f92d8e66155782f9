package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/codepr/crawlkit/crawler"
)

// Sink adapts a Producer into a crawler.Sink: every CrawlResult is
// marshaled to JSON and handed to the underlying queue, decoupling the
// crawl from whatever relays it downstream (RabbitMQ, Kafka, Redis
// streams...). The Worker still awaits this call before moving on to its
// next task, so a slow Producer still applies back-pressure the way any
// other Sink would.
type Sink struct {
	producer Producer
}

// NewSink wraps producer as a crawler.Sink.
func NewSink(producer Producer) *Sink {
	return &Sink{producer: producer}
}

// Accept implements crawler.Sink.
func (s *Sink) Accept(result crawler.CrawlResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling crawl result for %s: %w", result.PageData.FinalURL, err)
	}
	if err := s.producer.Produce(data); err != nil {
		return fmt.Errorf("producing crawl result for %s: %w", result.PageData.FinalURL, err)
	}
	return nil
}

var _ interface {
	Accept(crawler.CrawlResult) error
} = (*Sink)(nil)
