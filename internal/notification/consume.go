package notification

import (
	"encoding/json"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/EPFLSWENT2024G1/partageix/internal/model"
)

// Sender is the push delivery collaborator. The default logSender only
// records the event; real delivery (FCM or similar) plugs in here.
type Sender interface {
	Send(n model.Notification) error
}

type logSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) Sender {
	return &logSender{log: log.Named("sender")}
}

func (s *logSender) Send(n model.Notification) error {
	s.log.Info("deliver notification",
		zap.String("target", n.TargetUserID),
		zap.String("kind", string(n.Kind)),
		zap.String("title", n.Title),
	)
	return nil
}

type Consumer struct {
	sender Sender
	log    *zap.Logger
	ready  chan bool
}

func NewConsumer(sender Sender, log *zap.Logger) *Consumer {
	return &Consumer{
		sender: sender,
		log:    log.Named("consumer"),
		ready:  make(chan bool),
	}
}

func (consumer *Consumer) Setup(sarama.ConsumerGroupSession) error {
	// Mark the consumer as ready
	close(consumer.ready)
	return nil
}

// Ready is closed once the consumer set up its first session of the current
// Consume call.
func (consumer *Consumer) Ready() <-chan bool {
	return consumer.ready
}

// Reset re-arms Ready for the next Consume call. Call it between Consume
// calls only, never while a session is live: Setup closes the channel again
// on rebalance.
func (consumer *Consumer) Reset() {
	consumer.ready = make(chan bool)
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (consumer *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (consumer *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				consumer.log.Warn("message channel was closed")
				return nil
			}
			var n model.Notification
			if err := json.Unmarshal(message.Value, &n); err != nil {
				consumer.log.Error("", zap.Error(err))
				session.MarkMessage(message, "")
				continue
			}

			if err := consumer.sender.Send(n); err != nil {
				consumer.log.Error("consumer.sender.Send", zap.Error(err))
				continue
			}

			consumer.log.Debug("Message claimed:", zap.String("value", string(message.Value)), zap.Time("timestamp", message.Timestamp), zap.String("topic", message.Topic))
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}
