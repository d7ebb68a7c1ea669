package rabbitmq

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mrliuli/hellomq/messaging"
)

const (
	contentTypeText = "text/plain"

	headerClientID    = "x-client-id"
	headerDestination = "x-destination"
	headerExpiration  = "x-expiration"
)

// brokerHeaders are added by RabbitMQ on dead-lettering and redelivery and
// are not user properties
var brokerHeaders = map[string]struct{}{
	"x-death":                {},
	"x-delivery-count":       {},
	"x-first-death-exchange": {},
	"x-first-death-queue":    {},
	"x-first-death-reason":   {},
	"x-last-death-exchange":  {},
	"x-last-death-queue":     {},
	"x-last-death-reason":    {},
}

// routing returns the exchange and routing key a destination is published to
func routing(dest messaging.Destination) (exchange, key string) {
	if dest.IsTopic() {
		return topicExchange, dest.Name
	}
	return "", dest.Name
}

// toPublishing converts a message to its AMQP form. The JMS header fields
// travel in the AMQP properties, user properties in the header table.
func toPublishing(msg *messaging.Message, now time.Time) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:   contentTypeText,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Type:          msg.Type,
		Timestamp:     msg.Timestamp,
		Priority:      uint8(msg.Priority),
		Body:          []byte(msg.Body),
		Headers:       amqp.Table{},
	}

	if msg.DeliveryMode == messaging.NonPersistent {
		pub.DeliveryMode = amqp.Transient
	} else {
		pub.DeliveryMode = amqp.Persistent
	}

	if msg.ReplyTo != nil {
		pub.ReplyTo = msg.ReplyTo.Name
	}

	if !msg.Expiration.IsZero() {
		ttl := msg.Expiration.Sub(now).Milliseconds()
		if ttl < 1 {
			ttl = 1
		}
		pub.Expiration = strconv.FormatInt(ttl, 10)
		pub.Headers[headerExpiration] = msg.Expiration.UnixMilli()
	}

	for k, v := range msg.Properties {
		pub.Headers[k] = tableValue(v)
	}
	if msg.ClientID != "" {
		pub.Headers[headerClientID] = msg.ClientID
	}
	pub.Headers[headerDestination] = msg.Destination.String()

	return pub
}

// fromDelivery rebuilds a message from an AMQP delivery
func fromDelivery(d amqp.Delivery, dest messaging.Destination) *messaging.Message {
	msg := &messaging.Message{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		Type:          d.Type,
		Body:          string(d.Body),
		Priority:      int(d.Priority),
		Timestamp:     d.Timestamp,
		Destination:   dest,
		Redelivered:   d.Redelivered,
		DeliveryMode:  messaging.Persistent,
	}

	if d.DeliveryMode == amqp.Transient {
		msg.DeliveryMode = messaging.NonPersistent
	}

	if d.ReplyTo != "" {
		replyTo := messaging.NewQueue(d.ReplyTo)
		msg.ReplyTo = &replyTo
	}

	for k, v := range d.Headers {
		switch k {
		case headerClientID:
			msg.ClientID, _ = v.(string)
		case headerExpiration:
			if ms, ok := toInt64(v); ok {
				msg.Expiration = time.UnixMilli(ms)
			}
		case headerDestination:
		default:
			if _, ok := brokerHeaders[k]; ok {
				continue
			}
			msg.SetProperty(k, v)
		}
	}

	return msg
}

// tableValue narrows a property value to a type the AMQP table encoder
// accepts
func tableValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case uint:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	case string, bool, int8, int16, int32, int64, float64, []byte, time.Time:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
