package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/utils"

	"github.com/segmentio/kafka-go"
)

// OperationHeader, when present on a message, carries the upstream change
// type. Messages without it are inserts.
const OperationHeader = "op"

const latestReadTimeout = 5 * time.Second

// messageReader is the part of *kafka.Reader a subscription uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// messageWriter is the part of *kafka.Writer the store uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// -----------------------------------------------------------------------------

// KafkaFeedStore reads each source from its own topic. Only messages produced
// after a subscription starts are delivered.
type KafkaFeedStore struct {
	brokers   []string
	groupID   string
	topics    map[models.SourceName]string
	modeTopic string
	Logger    *logger.Logger

	writer    messageWriter
	newReader func(topic, groupID string) messageReader
	dial      func(ctx context.Context, broker string) error
}

// -----------------------------------------------------------------------------

func NewKafkaFeedStore(cfg *models.MConfig, log *logger.Logger) (*KafkaFeedStore, error) {
	if err := ValidateParams(cfg.Storage.KafkaBrokers, cfg.Storage.KafkaGroupID); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewLogger(cfg, "KafkaFeedStore")
	}

	topics := make(map[models.SourceName]string, len(cfg.Pipeline.Sources))
	for _, src := range cfg.Pipeline.Sources {
		name := models.SourceName(src.Name)
		topic := src.Collection
		if topic == "" {
			topic = name.DefaultCollection()
		}
		topics[name] = topic
	}

	modeTopic := cfg.Storage.KafkaModeTopic
	if modeTopic == "" {
		modeTopic = topics[models.SourceModeChange]
	}
	if modeTopic == "" {
		modeTopic = models.SourceModeChange.DefaultCollection()
	}

	return &KafkaFeedStore{
		brokers:   cfg.Storage.KafkaBrokers,
		groupID:   cfg.Storage.KafkaGroupID,
		topics:    topics,
		modeTopic: modeTopic,
		Logger:    log,
		newReader: defaultReader(cfg.Storage.KafkaBrokers),
		dial:      dialBroker,
	}, nil
}

// ValidateParams checks the broker list and consumer group.
func ValidateParams(brokers []string, groupID string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for _, b := range brokers {
		if strings.TrimSpace(b) == "" {
			return fmt.Errorf("broker address cannot be empty")
		}
	}
	if groupID == "" {
		return fmt.Errorf("groupID cannot be empty")
	}
	return nil
}

// -----------------------------------------------------------------------------

func defaultReader(brokers []string) func(topic, groupID string) messageReader {
	return func(topic, groupID string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     groupID,
			Topic:       topic,
			MinBytes:    1,    // Return immediately when any data is available
			MaxBytes:    10e6, // 10MB
			MaxWait:     250 * time.Millisecond,
			StartOffset: kafka.LastOffset, // Live changes only
		})
	}
}

func dialBroker(ctx context.Context, broker string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	return conn.Close()
}

// -----------------------------------------------------------------------------

// Initialize checks that a broker is reachable and prepares the mode writer.
func (s *KafkaFeedStore) Initialize(ctx context.Context) error {
	var lastErr error
	reachable := false
	for _, broker := range s.brokers {
		if err := s.dial(ctx, broker); err != nil {
			lastErr = err
			s.Logger.Warning("Broker %s unreachable: %v", broker, err)
			continue
		}
		reachable = true
		break
	}
	if !reachable {
		return helpers.NewDatabaseError("no kafka broker reachable", lastErr)
	}

	if s.writer == nil {
		s.writer = &kafka.Writer{
			Addr:                   kafka.TCP(s.brokers...),
			Topic:                  s.modeTopic,
			RequiredAcks:           kafka.RequireAll,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
	}

	s.Logger.Info("Kafka feed store ready (%d topics, mode topic %s)", len(s.topics), s.modeTopic)
	return nil
}

// -----------------------------------------------------------------------------

func (s *KafkaFeedStore) topic(source models.SourceName) (string, error) {
	t, ok := s.topics[source]
	if !ok {
		return "", fmt.Errorf("source %s is not configured", source)
	}
	return t, nil
}

// -----------------------------------------------------------------------------

// Subscribe opens a reader in a per-source consumer group.
func (s *KafkaFeedStore) Subscribe(ctx context.Context, source models.SourceName) (interfaces.ISubscription, error) {
	topic, err := s.topic(source)
	if err != nil {
		return nil, err
	}
	group := fmt.Sprintf("%s-%s", s.groupID, source)
	return &subscription{
		source: source,
		topic:  topic,
		reader: s.newReader(topic, group),
	}, nil
}

// -----------------------------------------------------------------------------

// QueryLatestRecord reads the last message of the topic's first partition.
func (s *KafkaFeedStore) QueryLatestRecord(ctx context.Context, source models.SourceName) (map[string]interface{}, error) {
	topic, err := s.topic(source)
	if err != nil {
		return nil, err
	}

	conn, err := kafka.DialLeader(ctx, "tcp", s.brokers[0], topic, 0)
	if err != nil {
		return nil, fmt.Errorf("kafka dial leader for %s: %w", topic, err)
	}
	defer conn.Close()

	first, last, err := conn.ReadOffsets()
	if err != nil {
		return nil, fmt.Errorf("kafka read offsets for %s: %w", topic, err)
	}
	if last <= first {
		return nil, nil
	}

	if _, err := conn.Seek(last-1, kafka.SeekAbsolute); err != nil {
		return nil, fmt.Errorf("kafka seek %s: %w", topic, err)
	}
	conn.SetReadDeadline(time.Now().Add(latestReadTimeout))
	msg, err := conn.ReadMessage(10e6)
	if err != nil {
		return nil, fmt.Errorf("kafka read latest %s: %w", topic, err)
	}
	return utils.DecodeDocument(msg.Value)
}

// -----------------------------------------------------------------------------

// WriteMode publishes a mode command keyed by the mode.
func (s *KafkaFeedStore) WriteMode(ctx context.Context, mode string) error {
	if s.writer == nil {
		return fmt.Errorf("kafka feed store is not initialized")
	}
	value, err := utils.ModeDocument(mode, time.Now().UTC().UnixMilli())
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(mode),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

func (s *KafkaFeedStore) Close() error {
	if s.writer != nil {
		return s.writer.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type subscription struct {
	source models.SourceName
	topic  string
	reader messageReader
}

func (s *subscription) Next(ctx context.Context) (models.RawEvent, error) {
	msg, err := s.reader.ReadMessage(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return models.RawEvent{}, ctxErr
		}
		return models.RawEvent{}, fmt.Errorf("kafka read %s: %w", s.topic, err)
	}

	event := models.RawEvent{
		Source:        s.source,
		OperationKind: operationOf(msg),
		ReceivedAt:    time.Now().UTC(),
	}
	// An undecodable value still surfaces so the pipeline can reject it.
	event.Document, _ = utils.DecodeDocument(msg.Value)
	return event, nil
}

func (s *subscription) Close() error {
	return s.reader.Close()
}

func operationOf(msg kafka.Message) models.OperationKind {
	for _, h := range msg.Headers {
		if h.Key == OperationHeader && !strings.EqualFold(string(h.Value), string(models.OperationInsert)) {
			return models.OperationOther
		}
	}
	return models.OperationInsert
}
