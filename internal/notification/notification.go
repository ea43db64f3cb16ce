// Package notification carries loan decision events to borrowers. Delivery
// is fire-and-forget: the scheduling core never fails an accept or decline
// because a notification could not be sent.
package notification

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/EPFLSWENT2024G1/partageix/internal/model"
	"github.com/EPFLSWENT2024G1/partageix/pkg/circuitbreaker"
	"github.com/EPFLSWENT2024G1/partageix/pkg/kafka"
)

type Enqueuer interface {
	Enqueue(n model.Notification) error
}

type enqueuerImpl struct {
	producer sarama.SyncProducer
	cb       circuitbreaker.CircuitBreaker
	log      *zap.Logger
}

func NewEnqueuer(producer sarama.SyncProducer, log *zap.Logger) Enqueuer {
	return &enqueuerImpl{
		producer: producer,
		cb:       circuitbreaker.New(20, 30*time.Second, 0.5, 3),
		log:      log.Named("enqueuer"),
	}
}

func (q *enqueuerImpl) Enqueue(n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return q.cb.Call(func() error {
		msg := &sarama.ProducerMessage{
			Topic: kafka.NotificationTopic,
			Key:   sarama.StringEncoder(n.TargetUserID),
			Value: sarama.StringEncoder(data),
		}
		_, _, err := q.producer.SendMessage(msg)
		return err
	})
}

// Accepted builds the event for the borrower whose request was accepted.
func Accepted(loan model.Loan) model.Notification {
	return event("accepted", model.NotificationLoanAccepted, loan.BorrowerID)
}

// Rejected builds the event for a borrower whose request was declined or
// cancelled by conflict resolution.
func Rejected(loan model.Loan) model.Notification {
	return event("declined", model.NotificationLoanRejected, loan.BorrowerID)
}

func event(state string, kind model.NotificationKind, to string) model.Notification {
	return model.Notification{
		Title:          "Loan request " + state,
		Message:        "Your loan request has been " + state,
		Kind:           kind,
		TargetUserID:   to,
		NavigationHint: "inventory",
	}
}
