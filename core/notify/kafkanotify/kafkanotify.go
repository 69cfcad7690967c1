// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package kafkanotify forwards changelog entries to a kafka topic.
// Delivery is best effort and never blocks or fails a write.
package kafkanotify

import (
	"context"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/datagate/core"
)

// Notifier publishes change notifications. Messages are keyed by model
// name so all changes of one model land in the same partition.
type Notifier struct {
	writer *kafka.Writer
}

// New creates a notifier for a comma separated broker list.
func New(brokers string, topic string) *Notifier {
	return &Notifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logrus.WithError(err).Errorln("kafka notification delivery failed")
				}
			},
		},
	}
}

// Notify implements core.Notifier.
func (n *Notifier) Notify(model string, action core.Action, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(model),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(action)},
		},
	})
	if err != nil {
		logrus.WithError(err).WithField("model", model).Errorln("cannot queue kafka notification")
	}
}

// Close flushes pending messages and shuts the writer down.
func (n *Notifier) Close() error {
	return n.writer.Close()
}
