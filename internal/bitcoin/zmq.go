package bitcoin

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

// TopicHashBlock is Bitcoin Core's new-tip notification
const TopicHashBlock = "hashblock"

// pollInterval bounds how long Listen waits before rechecking its context
const pollInterval = 250 * time.Millisecond

// ZMQNotifier receives notifications from Bitcoin Core's ZMQ publisher
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger

	// last sequence number seen per topic
	sequences map[string]uint32
	// backoff paces polling after consecutive poll failures
	backoff *retry.Config
}

// socketPoller is the part of *zmq.Poller that Listen uses
type socketPoller interface {
	Poll(timeout time.Duration) ([]zmq.Polled, error)
}

// NewZMQNotifier creates a SUB socket for endpoint; call Subscribe and Connect before Listen
func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_socket_creation",
			"failed to create ZMQ socket")
	}

	return &ZMQNotifier{
		socket:    socket,
		endpoint:  endpoint,
		logger:    logger.WithComponent("zmq_notifier"),
		sequences: make(map[string]uint32),
		backoff:   retry.NetworkConfig(),
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return errors.Wrap(err, errors.ErrorTypeMessaging, "zmq_connect",
			"failed to connect to ZMQ endpoint").
			WithContext("endpoint", z.endpoint)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen passes each message's topic and body to handler until ctx is done.
// Handler errors are logged and do not stop the loop. Poll failures back off
// exponentially until a poll succeeds again.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)
	return z.listen(ctx, poller, handler)
}

func (z *ZMQNotifier) listen(ctx context.Context, poller socketPoller, handler func(topic string, data []byte) error) error {
	failures := 0
	for ctx.Err() == nil {
		polled, err := poller.Poll(pollInterval)
		if err != nil {
			z.logger.WithError(err).Error("failed to poll ZMQ socket", "failures", failures+1)
			if err := z.backoff.Pause(ctx, failures); err != nil {
				return err
			}
			failures++
			continue
		}
		failures = 0
		if len(polled) == 0 {
			continue
		}

		topic, body, ok := z.receive()
		if !ok {
			continue
		}
		if err := handler(topic, body); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
	return ctx.Err()
}

// receive reads one multipart message: topic, body and, from Bitcoin Core,
// a little endian sequence number
func (z *ZMQNotifier) receive() (string, []byte, bool) {
	parts, err := z.socket.RecvMessageBytes(0)
	if err != nil {
		z.logger.WithError(err).Error("failed to receive ZMQ message")
		return "", nil, false
	}
	if len(parts) < 2 {
		z.logger.Warn("received malformed ZMQ message", "parts", len(parts))
		return "", nil, false
	}

	topic := string(parts[0])
	if len(parts) > 2 {
		if missed := z.track(topic, parts[2]); missed > 0 {
			z.logger.Warn("missed ZMQ notifications", "topic", topic, "missed", missed)
		}
	}
	return topic, parts[1], true
}

// track records the sequence number of a topic and returns how many
// notifications were skipped since the previous one
func (z *ZMQNotifier) track(topic string, raw []byte) uint32 {
	if len(raw) != 4 {
		return 0
	}
	seq := binary.LittleEndian.Uint32(raw)
	last, seen := z.sequences[topic]
	z.sequences[topic] = seq

	if !seen || seq <= last {
		return 0
	}
	return seq - last - 1
}

// Close closes the ZMQ socket; further calls are no-ops
func (z *ZMQNotifier) Close() error {
	if z.socket == nil {
		return nil
	}
	err := z.socket.Close()
	z.socket = nil
	return err
}

// BlockNotificationHandler turns hashblock notifications into callbacks
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string) error
}

// NewBlockNotificationHandler creates a new block notification handler
func NewBlockNotificationHandler(logger *log.Logger) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger: logger.WithComponent("block_notifications"),
	}
}

// SetNewBlockHandler sets the handler for new block notifications
func (h *BlockNotificationHandler) SetNewBlockHandler(handler func(blockHash string) error) {
	h.onNewBlock = handler
}

// HandleMessage handles a ZMQ message
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	switch topic {
	case TopicHashBlock:
		if len(data) != 32 {
			return fmt.Errorf("invalid block hash length: %d", len(data))
		}

		blockHash := reverseHex(data)
		h.logger.Info("new block notification", "hash", blockHash)

		if h.onNewBlock != nil {
			return h.onNewBlock(blockHash)
		}

	default:
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
	}

	return nil
}

// reverseHex renders data in display order (byte reversed) as hex
func reverseHex(data []byte) string {
	reversed := slices.Clone(data)
	slices.Reverse(reversed)
	return hex.EncodeToString(reversed)
}
