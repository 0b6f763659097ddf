package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-banker/contract/errors"
)

// Concrete franz-go based constructor and client wrapper.

type Config struct {
	Brokers  []string
	ClientID string
	// Group enables consumer-group consumption with manual commits.
	Group              string
	TLS                *tls.Config
	AcksAll            bool
	DisableIdempotence bool
	Compression        []kgo.CompressionCodec
}

type kgoClient struct{ cl *kgo.Client }

func (c kgoClient) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}

	return c.cl.ProduceSync(ctx, rec).FirstErr()
}

func (c kgoClient) AddTopics(topics ...string) { c.cl.AddConsumeTopics(topics...) }

func (c kgoClient) Poll(ctx context.Context) ([]Record, error) {
	fetches := c.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrReaderClosed
	}

	var errs []error
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}

		errs = append(errs, fmt.Errorf("%s[%d]: %w", fe.Topic, fe.Partition, fe.Err))
	}

	var recs []Record
	fetches.EachRecord(func(r *kgo.Record) {
		recs = append(recs, Record{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   recordHeaders(r.Headers),
		})
	})

	return recs, errors.Join(errs...)
}

func (c kgoClient) Commit(ctx context.Context) error { return c.cl.CommitUncommittedOffsets(ctx) }

func (c kgoClient) Rewind(offsets map[string]map[int32]int64) {
	set := make(map[string]map[int32]kgo.EpochOffset, len(offsets))
	for topic, parts := range offsets {
		set[topic] = make(map[int32]kgo.EpochOffset, len(parts))
		for p, off := range parts {
			set[topic][p] = kgo.EpochOffset{Epoch: -1, Offset: off}
		}
	}

	c.cl.SetOffsets(set)
}

func recordHeaders(hs []kgo.RecordHeader) map[string]string {
	if len(hs) == 0 {
		return nil
	}

	m := make(map[string]string, len(hs))
	for _, h := range hs {
		m[h.Key] = string(h.Value)
	}

	return m
}

// NewWithKgo builds a franz-go client based Adapter. Shutdown closes the client.
func NewWithKgo(cfg Config, opts ...Option) (*Adapter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required: %w", berr.ErrInvalidConfig)
	}

	kopts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.Group != "" {
		kopts = append(kopts, kgo.ConsumerGroup(cfg.Group), kgo.DisableAutoCommit())
	}

	if cfg.TLS != nil {
		kopts = append(kopts, kgo.DialTLSConfig(cfg.TLS))
	}

	if cfg.AcksAll {
		kopts = append(kopts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	if cfg.DisableIdempotence {
		kopts = append(kopts, kgo.DisableIdempotentWrite())
	}

	if len(cfg.Compression) > 0 {
		kopts = append(kopts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", errors.Join(berr.ErrInvalidConfig, err))
	}

	c := kgoClient{cl: cl}
	opts = append(opts, WithCloser(cl.Close))

	return New(c, c, opts...), nil
}
