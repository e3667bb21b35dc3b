package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puppyone-ai/puppyone-etl/pkg/metrics"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// KafkaQueue publishes jobs to a single topic keyed by task id,
// so jobs of one task land on one partition in enqueue order.
type KafkaQueue struct {
	writer messageWriter
	topic  string
}

func NewKafkaQueue(brokers, topic string) *KafkaQueue {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  SplitBrokers(brokers),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})
	return &KafkaQueue{writer: w, topic: topic}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(job.TaskID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(job.Kind)},
			{Key: "job_id", Value: []byte(job.ID)},
		},
	})
	if err != nil {
		metrics.JobsEnqueued.WithLabelValues(job.Kind, "error").Inc()
		return fmt.Errorf("publish %s job for task %d: %w", job.Kind, job.TaskID, err)
	}
	metrics.JobsEnqueued.WithLabelValues(job.Kind, "ok").Inc()
	return nil
}

func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

// KafkaConsumer runs one consumer-group reader per unit of worker concurrency.
type KafkaConsumer struct {
	readers    []messageReader
	handler    Handler
	logger     *logrus.Logger
	jobTimeout time.Duration
	topic      string
	wg         sync.WaitGroup
}

func NewKafkaConsumer(brokers, topic, groupID string, concurrency int, jobTimeout time.Duration, handler Handler, logger *logrus.Logger) *KafkaConsumer {
	readers := make([]messageReader, 0, concurrency)
	for i := 0; i < concurrency; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:  SplitBrokers(brokers),
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}))
	}
	return newKafkaConsumer(readers, topic, jobTimeout, handler, logger)
}

func newKafkaConsumer(readers []messageReader, topic string, jobTimeout time.Duration, handler Handler, logger *logrus.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		readers:    readers,
		handler:    handler,
		logger:     logger,
		jobTimeout: jobTimeout,
		topic:      topic,
	}
}

// Run blocks until ctx is cancelled and every reader has stopped.
func (c *KafkaConsumer) Run(ctx context.Context) {
	for i, r := range c.readers {
		c.wg.Add(1)
		go func(id int, r messageReader) {
			defer c.wg.Done()
			defer r.Close()
			c.logger.WithFields(logrus.Fields{"reader": id, "topic": c.topic}).Info("kafka consumer started")
			c.consume(ctx, r)
		}(i, r)
	}
	c.wg.Wait()
}

// Lag is the sum of the readers' consumer lag.
func (c *KafkaConsumer) Lag() int64 {
	var lag int64
	for _, r := range c.readers {
		lag += r.Stats().Lag
	}
	return lag
}

func (c *KafkaConsumer) consume(ctx context.Context, r messageReader) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).Warn("kafka fetch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			c.logger.WithError(err).WithField("offset", msg.Offset).Error("bad job json, dropping")
			metrics.KafkaMessagesTotal.WithLabelValues(c.topic, "malformed").Inc()
			_ = r.CommitMessages(context.Background(), msg)
			continue
		}

		jctx, cancel := context.WithTimeout(ctx, c.jobTimeout)
		err = c.handler(jctx, job)
		cancel()
		if err != nil {
			// 任务失败已记录在任务状态中；未记录的情况由过期检测兜底
			c.logger.WithError(err).WithFields(logrus.Fields{
				"job_id":  job.ID,
				"kind":    job.Kind,
				"task_id": job.TaskID,
			}).Error("job handler failed")
			metrics.KafkaMessagesTotal.WithLabelValues(c.topic, "error").Inc()
		} else {
			metrics.KafkaMessagesTotal.WithLabelValues(c.topic, "ok").Inc()
		}

		if err := r.CommitMessages(context.Background(), msg); err != nil {
			c.logger.WithError(err).WithField("job_id", job.ID).Warn("kafka commit")
		}
	}
}

func SplitBrokers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
