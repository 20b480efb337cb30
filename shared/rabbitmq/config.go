package rabbitmq

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	VHost           string
	ExchangeName    string
	ExchangeType    string
	ExchangeDurable bool
	MaxAttempts     int
	RetryStep       time.Duration
	RetryCeiling    time.Duration
	Heartbeat       time.Duration
	DialTimeout     time.Duration
}

// URL builds the AMQP connection URL
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.VHost,
	}
	return u.String()
}

// Backoff returns the delay before the next connection attempt:
// min(attempt × step, ceiling)
func Backoff(attempt int, step, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(attempt) * step
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
