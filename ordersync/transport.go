package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// Publisher hands a SyncRequest to a transport for asynchronous processing.
type Publisher interface {
	Publish(ctx context.Context, req SyncRequest) error
	Close() error
}

// NewPublisher picks the transport from cfg.Transport: "pubsub", "kafka", or none.
func NewPublisher(ctx context.Context, cfg config.SyncConfig) (Publisher, error) {
	switch cfg.Transport {
	case "pubsub":
		return NewPubSubPublisher(ctx, cfg.Topic)
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required for the kafka sync transport")
		}
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic), nil
	case "", "none":
		return nil, nil
	}
	return nil, errors.New("unknown sync transport " + cfg.Transport)
}

type PubSubPublisher struct {
	topic *pubsub.Topic
}

func NewPubSubPublisher(ctx context.Context, topicName string) (*PubSubPublisher, error) {
	client, err := config.GetClient(ctx)
	if err != nil {
		return nil, err
	}
	topic, err := config.CreateTopicIfNotExists(ctx, client, topicName)
	if err != nil {
		return nil, err
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, req SyncRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"kind": string(req.Kind), "key": req.Key()},
	})
	_, err = res.Get(ctx)
	return err
}

func (p *PubSubPublisher) Close() error {
	p.topic.Stop()
	return nil
}

type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher keys messages by SyncRequest.Key so one chain stays on one partition.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, req SyncRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(req.Key()), Value: b})
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

type Dispatcher interface {
	Dispatch(ctx context.Context, req SyncRequest) (*SyncResult, error)
}

// KafkaConsumer feeds SyncRequests from a topic into the coordinator. Failed
// dispatches are not redelivered; the retry worker owns retries.
type KafkaConsumer struct {
	r        *kafka.Reader
	dispatch Dispatcher
	logger   *logrus.Logger
}

func NewKafkaConsumer(cfg config.SyncConfig, d Dispatcher, logger *logrus.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.KafkaGroupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		dispatch: d,
		logger:   logger,
	}
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }

func (c *KafkaConsumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return
		}
		var req SyncRequest
		if err := json.Unmarshal(m.Value, &req); err != nil {
			config.LogError(c.logger, "transport.go", "KafkaConsumer.Run", "Unmarshal", string(m.Key), err)
			continue
		}
		if _, err := c.dispatch.Dispatch(ctx, req); err != nil {
			c.logger.WithFields(logrus.Fields{"kind": req.Kind, "key": req.Key()}).Warn("sync dispatch failed: " + err.Error())
		}
	}
}

// PubSubPushHandler accepts Pub/Sub push deliveries. It always answers 204 so that
// Pub/Sub does not redeliver; sync failures are tracked on the record instead.
func PubSubPushHandler(d Dispatcher, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}
		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}
		var req SyncRequest
		if err := json.Unmarshal(envelope.Message.Data, &req); err != nil || req.Kind == "" {
			c.Status(204)
			return
		}
		if _, err := d.Dispatch(c.Request.Context(), req); err != nil {
			logger.WithFields(logrus.Fields{"kind": req.Kind, "message_id": envelope.Message.ID}).Warn("sync dispatch failed: " + err.Error())
		}
		c.Status(204)
	}
}

// CommitNotifier publishes an inventory sync for the products moved by a committed run.
type CommitNotifier struct {
	Publisher Publisher
	Enabled   func() bool
}

func (n *CommitNotifier) TransfersCommitted(ctx context.Context, runId string, transfers []models.Transfer) error {
	if n == nil || n.Publisher == nil || (n.Enabled != nil && !n.Enabled()) {
		return nil
	}
	seen := map[string]bool{}
	var productIds []string
	for _, t := range transfers {
		for _, l := range t.Lines {
			if !seen[l.ProductId] {
				seen[l.ProductId] = true
				productIds = append(productIds, l.ProductId)
			}
		}
	}
	if len(productIds) == 0 {
		return nil
	}
	return n.Publisher.Publish(ctx, SyncRequest{Kind: SyncKindInventory, ProductIds: productIds, CorrelationId: runId})
}
