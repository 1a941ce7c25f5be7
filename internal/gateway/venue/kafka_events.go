package venue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/tidwall/gjson"

	"signalcartel/internal/logger"
)

// ParseEvent decodes a venue fill/close payload. Accepted fields:
// type|kind, trigger_id, instrument|symbol, order_id, price, fraction,
// slippage, and ts as unix milliseconds or RFC3339.
func ParseEvent(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, fmt.Errorf("invalid json event")
	}
	res := gjson.GetManyBytes(payload,
		"type", "kind", "trigger_id", "instrument", "symbol", "order_id", "price", "fraction", "slippage", "ts")
	kind := strings.ToLower(res[0].String())
	if kind == "" {
		kind = strings.ToLower(res[1].String())
	}
	ev := Event{
		TriggerID:  res[2].String(),
		Instrument: strings.ToUpper(res[3].String()),
		OrderID:    res[5].String(),
		Price:      res[6].Float(),
		Fraction:   1,
		Slippage:   res[8].Float(),
	}
	if ev.Instrument == "" {
		ev.Instrument = strings.ToUpper(res[4].String())
	}
	switch EventKind(kind) {
	case EventFill, EventClose:
		ev.Kind = EventKind(kind)
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}
	if ev.TriggerID == "" {
		return Event{}, fmt.Errorf("%s event without trigger_id", kind)
	}
	if ev.Price <= 0 {
		return Event{}, fmt.Errorf("%s event for %s without price", kind, ev.TriggerID)
	}
	if f := res[7]; f.Exists() {
		ev.Fraction = f.Float()
	}
	switch ts := res[9]; ts.Type {
	case gjson.Number:
		ev.At = time.UnixMilli(ts.Int()).UTC()
	case gjson.String:
		at, err := time.Parse(time.RFC3339, ts.String())
		if err != nil {
			return Event{}, fmt.Errorf("event ts: %w", err)
		}
		ev.At = at
	}
	return ev, nil
}

// KafkaEvents consumes venue events from a Kafka topic through a sarama
// consumer group. It only reports events; orders are still submitted
// through Submitter.
type KafkaEvents struct {
	Submitter Venue

	client sarama.ConsumerGroup
	topic  string
	events chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaEvents(brokers []string, groupID, topic string, submitter Venue) (*KafkaEvents, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka events need brokers and a topic")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Version = sarama.V2_8_0_0
	client, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer group: %w", err)
	}
	return &KafkaEvents{Submitter: submitter, client: client, topic: topic, events: make(chan Event, 256)}, nil
}

// Start consumes until ctx is done or Close is called.
func (k *KafkaEvents) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		handler := &eventHandler{out: k.events}
		for {
			if err := k.client.Consume(ctx, []string{k.topic}, handler); err != nil {
				logger.Warnf("KafkaEvents: consume %s: %v", k.topic, err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	logger.Infof("KafkaEvents: consuming %s", k.topic)
}

func (k *KafkaEvents) Submit(ctx context.Context, intent OrderIntent) (Result, error) {
	return k.Submitter.Submit(ctx, intent)
}

func (k *KafkaEvents) Cancel(ctx context.Context, orderID string) error {
	return k.Submitter.Cancel(ctx, orderID)
}

func (k *KafkaEvents) Events() <-chan Event { return k.events }

func (k *KafkaEvents) Close() error {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	return k.client.Close()
}

// eventHandler implements sarama.ConsumerGroupHandler.
type eventHandler struct {
	out chan<- Event
}

func (h *eventHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *eventHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *eventHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			ev, err := ParseEvent(msg.Value)
			if err != nil {
				logger.Warnf("KafkaEvents: skip offset %d: %v", msg.Offset, err)
				session.MarkMessage(msg, "")
				continue
			}
			if ev.At.IsZero() {
				ev.At = msg.Timestamp
			}
			select {
			case h.out <- ev:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
