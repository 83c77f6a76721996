// ABOUTME: Opens the process's single broker connection from configuration

package updates

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/2389/coven-relay/internal/config"
)

// Dial connects to the broker. name shows up as the connection name in the broker UI.
func Dial(cfg config.BrokerConfig, name string) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)

	conn, err := amqp.DialConfig(cfg.URL(), amqp.Config{
		Heartbeat:  cfg.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}
