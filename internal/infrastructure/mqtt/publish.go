package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadBytes caps outbound payloads. Status snapshots run a few
// hundred bytes; anything near this cap is a bug upstream.
const maxPayloadBytes = 256 << 10

// Publish sends payload to topic and, QoS permitting, waits for the
// broker's ack. retained asks the broker to hand the message to
// future subscribers; use it for presence and status, never commands.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadBytes {
		return fmt.Errorf("%w: %d byte payload exceeds %d cap", ErrPublishFailed, len(payload), maxPayloadBytes)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	return c.await(c.paho.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// await folds a paho token into the package's sentinel errors.
func (c *Client) await(tok pahomqtt.Token, sentinel error) error {
	if !tok.WaitTimeout(ackTimeout) {
		return fmt.Errorf("%w: no ack within %v", sentinel, ackTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
