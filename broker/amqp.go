package broker

import (
	"context"
	"encoding/json"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var _ Producer = &AMQPBroker{}
var _ Consumer = &AMQPBroker{}

const (
	reconcileExchange   string = "billing_reconcile"
	reconcileRoutingKey        = "reconcile"
	reconcileQueue             = "billing_reconcile_requests"
)

// AMQPBroker carries ReconcileRequests via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
}

// NewAMQPBroker returns a reconcile queue over RabbitMQ
func NewAMQPBroker(amqpURI string) (*AMQPBroker, error) {
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
	}
	if err := broker.setupReconcileExchange(); err != nil {
		return nil, extErrors.Wrap(err, "Cannot declare exchange for reconcile requests")
	}

	return broker, nil
}

func (a *AMQPBroker) setupReconcileExchange() error {
	return a.channel.ExchangeDeclare(
		reconcileExchange, // name
		"direct",          // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// PublishReconcile durably publishes a reconcile request. Returning without
// error means the webhook handler may acknowledge the sender.
func (a *AMQPBroker) PublishReconcile(p *ReconcileRequest) error {
	body, err := json.Marshal(p)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := a.channel.Publish(
		reconcileExchange,
		reconcileRoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish reconcile request")
	}
	return nil
}

func (a *AMQPBroker) setupQueue(qName string) error {
	_, err := a.channel.QueueDeclare(
		qName,
		true,
		false,
		false,
		false,
		nil,
	)
	return err
}

// ReceiveReconcile binds the worker queue and returns a channel of decoded
// requests. Messages that fail to decode are rejected without requeue.
func (a *AMQPBroker) ReceiveReconcile(ctx context.Context) (<-chan *ReconcileRequest, error) {
	if err := a.setupQueue(reconcileQueue); err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup queue")
	}
	if err := a.channel.QueueBind(
		reconcileQueue,
		reconcileRoutingKey,
		reconcileExchange,
		false,
		nil,
	); err != nil {
		return nil, extErrors.Wrap(err, "Cannot bind queue")
	}
	msgChan, err := a.channel.Consume(
		reconcileQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan *ReconcileRequest)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-msgChan:
				var req ReconcileRequest
				if err := json.Unmarshal(d.Body, &req); err != nil {
					d.Nack(false, false)
					continue
				}
				rChan <- &req
				d.Ack(false)
			}
		}
	}()
	return rChan, nil
}
