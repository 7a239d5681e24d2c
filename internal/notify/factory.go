package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/qvcloud/portfolio/broker"
	"github.com/qvcloud/portfolio/brokers/kafka"
	"github.com/qvcloud/portfolio/brokers/nats"
	"github.com/qvcloud/portfolio/brokers/rabbitmq"
	"github.com/qvcloud/portfolio/brokers/rocketmq"
	"github.com/qvcloud/portfolio/internal/config"
)

// Factory builds unconnected brokers from configuration. Every call to
// NewBroker returns a separate connection, so the producer and the consumer
// never share one.
type Factory struct {
	cfg    config.BrokerConfig
	logger *slog.Logger
	memory *broker.MemoryServer
}

// NewFactory returns a Factory for cfg. Brokers of type "memory" all attach
// to one in-process server owned by the factory.
func NewFactory(cfg config.BrokerConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		cfg:    cfg,
		logger: logger,
		memory: broker.NewMemoryServer(),
	}
}

// MemoryServer returns the server backing "memory" brokers.
func (f *Factory) MemoryServer() *broker.MemoryServer {
	return f.memory
}

// NewBroker returns a new broker of the configured type.
func (f *Factory) NewBroker() (broker.Broker, error) {
	opts := []broker.Option{
		broker.WithContext(broker.TrackOptions(context.Background())),
		broker.ClientID(f.cfg.ClientID),
		broker.WithLogger(f.logger.With(slog.String("broker", f.cfg.Type))),
	}

	switch f.cfg.Type {
	case config.BrokerRabbitMQ, "":
		opts = append(opts, broker.Addrs(f.cfg.URI))
		if f.cfg.ReconnectInterval > 0 {
			opts = append(opts, rabbitmq.WithReconnectInterval(f.cfg.ReconnectInterval))
		}
		if f.cfg.Prefetch > 0 {
			opts = append(opts, rabbitmq.WithPrefetchCount(f.cfg.Prefetch))
		}
		return rabbitmq.NewBroker(opts...), nil

	case config.BrokerNATS:
		opts = append(opts, broker.Addrs(f.cfg.URI))
		if f.cfg.ReconnectInterval > 0 {
			opts = append(opts,
				nats.WithReconnectWait(f.cfg.ReconnectInterval),
				nats.WithMaxReconnect(-1))
		}
		return nats.NewBroker(opts...), nil

	case config.BrokerKafka:
		opts = append(opts, broker.Addrs(splitAddrs(f.cfg.URI)...))
		if f.cfg.Prefetch > 0 {
			opts = append(opts, kafka.WithMaxBytes(f.cfg.Prefetch*1024))
		}
		return kafka.NewBroker(opts...), nil

	case config.BrokerRocketMQ:
		opts = append(opts, broker.Addrs(splitAddrs(f.cfg.URI)...))
		return rocketmq.NewBroker(opts...), nil

	case config.BrokerMemory:
		return f.memory.NewBroker(opts...), nil

	default:
		return nil, &broker.ConfigurationError{Field: "broker.type", Reason: fmt.Sprintf("unknown type %q", f.cfg.Type)}
	}
}

func splitAddrs(uri string) []string {
	var addrs []string
	for _, a := range strings.Split(uri, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

// OptionsFromConfig builds the producer and consumer options for cfg.
func OptionsFromConfig(cfg *config.Config, logger *slog.Logger) []Option {
	opts := []Option{
		WithLogger(logger),
		WithPublishTimeout(cfg.Broker.PublishTimeout),
		WithCircuitBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout),
	}
	if cfg.Broker.Type == config.BrokerRabbitMQ || cfg.Broker.Type == "" {
		opts = append(opts, WithPublishOptions(rabbitmq.WithPersistent(cfg.Queue.Durable)))
	}
	return opts
}
