package pipeline

import (
	"time"
)

// Ingestor is the single ingest path: finalize → classify → dedup → sink.
// The sink is the ring's Append; keeping it as a function avoids coupling
// this package to the ring implementation.
type Ingestor struct {
	classifier *Classifier
	dedup      *Deduplicator
	sink       func(Entry) uint64
	now        func() time.Time
}

// NewIngestor wires the classifier and deduplicator in front of sink.
func NewIngestor(c *Classifier, d *Deduplicator, sink func(Entry) uint64) *Ingestor {
	return &Ingestor{classifier: c, dedup: d, sink: sink, now: time.Now}
}

// Ingest processes one entry. Returns the assigned sequence number, or 0 when
// the entry was absorbed as a duplicate. O(1), never blocks.
func (in *Ingestor) Ingest(e Entry) uint64 {
	e.Finalize(in.now())
	in.classifier.Classify(&e)
	if !in.dedup.Observe(&e) {
		return 0
	}
	return in.sink(e)
}
