package messaging

import (
	"context"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
)

// ZMQPublisher binds a PUB socket and sends each event as a two frame
// message: EventTopic(prefix, kind) followed by the encoded payload.
type ZMQPublisher struct {
	mu     sync.Mutex
	socket *zmq.Socket
	prefix string
	format Format
	logger *log.Logger
}

// NewZMQPublisher binds a PUB socket on endpoint
func NewZMQPublisher(endpoint, prefix string, format Format, logger *log.Logger) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket_creation",
			"failed to create ZMQ socket")
	}

	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_bind",
			"failed to bind ZMQ publisher").
			WithContext("endpoint", endpoint)
	}

	if format == "" {
		format = FormatJSON
	}

	logger = logger.WithComponent("zmq_publisher")
	logger.Info("ZMQ publisher bound", "endpoint", endpoint, "prefix", prefix)

	return &ZMQPublisher{
		socket: socket,
		prefix: prefix,
		format: format,
		logger: logger,
	}, nil
}

// Record publishes event. PUB sockets drop messages nobody subscribed to,
// so a successful Record does not imply delivery.
func (z *ZMQPublisher) Record(ctx context.Context, event *report.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := Encode(z.format, event)
	if err != nil {
		return err
	}
	topic := EventTopic(z.prefix, event.Kind)

	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket == nil {
		return errors.New(errors.ErrorTypeMessaging, "zmq_publish", "publisher is closed")
	}

	if _, err := z.socket.SendMessage(topic, data); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_publish",
			"failed to publish event").
			WithContext("topic", topic)
	}

	z.logger.Debug("published event", "topic", topic, "size", len(data))
	return nil
}

// Close closes the socket; further calls are no-ops
func (z *ZMQPublisher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}

var _ report.Sink = (*ZMQPublisher)(nil)
