// Package publish forwards accepted messages to Kafka.
package publish

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"RelayVerify/internal/message"
)

// Header keys attached to each record.
const (
	HeaderRound     = "round"
	HeaderFromChain = "from_chain"
	HeaderToChain   = "to_chain"
	HeaderWeight    = "weight"
)

// Accepted is a message accepted by a round.
type Accepted struct {
	RoundID    uuid.UUID          // RoundID identifies the round in logs
	Token      [32]byte           // Token identifies the submitted batch
	Message    message.Message    // Message is the canonical message
	Weight     uint32             // Weight is the winning share out of 10000
	Validators []message.Identity // Validators backed the message
}

// producer is the part of *kgo.Client used to publish.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher writes accepted messages to the client's default topic.
// Records are keyed by round token and carry the flatbuffers-encoded message.
type KafkaPublisher struct {
	kcl producer
}

// NewKafkaPublisher creates a publisher on kcl.
func NewKafkaPublisher(kcl *kgo.Client) *KafkaPublisher {
	return &KafkaPublisher{kcl: kcl}
}

// Publish produces one record synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, a Accepted) error {
	if err := p.kcl.ProduceSync(ctx, createRecord(a)).FirstErr(); err != nil {
		return fmt.Errorf("produce round %s:\n%w", a.RoundID, err)
	}

	return nil
}

// createRecord builds the Kafka record for an accepted message.
func createRecord(a Accepted) *kgo.Record {
	key := make([]byte, len(a.Token))
	copy(key, a.Token[:])

	weight := binary.LittleEndian.AppendUint32(nil, a.Weight)

	return &kgo.Record{
		Key:   key,
		Value: a.Message.Marshal(),
		Headers: []kgo.RecordHeader{
			{Key: HeaderRound, Value: []byte(a.RoundID.String())},
			{Key: HeaderFromChain, Value: []byte(a.Message.FromChain)},
			{Key: HeaderToChain, Value: []byte(a.Message.ToChain)},
			{Key: HeaderWeight, Value: weight},
		},
	}
}
