package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/next-trace/scg-banker/adapters/inmemory"
	"github.com/next-trace/scg-banker/adapters/kafka"
	"github.com/next-trace/scg-banker/adapters/nats"
	"github.com/next-trace/scg-banker/adapters/rabbitmq"
	rstream "github.com/next-trace/scg-banker/adapters/redis"
	"github.com/next-trace/scg-banker/config"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
	"github.com/next-trace/scg-banker/core"
	"github.com/next-trace/scg-banker/router"
)

// busBackends returns one factory per backend the service needs: "system"
// first, then the outbound default and every backend pinned by a rail. All of
// them connect with the SYSTEM_BUS_DRIVER settings; only "system" carries the
// inbound subscriptions.
func busBackends(cfg *config.Config, table *router.Table, logger *zap.Logger) []core.NamedBackend {
	out := []core.NamedBackend{busBackend(router.DefaultBackend, cfg, logger)}

	for _, name := range table.Backends(cfg.OutboundBackend) {
		if name == router.DefaultBackend {
			continue
		}

		out = append(out, busBackend(name, cfg, logger))
	}

	return out
}

// busBackend returns the factory for a bus named name, built with the driver
// selected by SYSTEM_BUS_DRIVER.
func busBackend(name string, cfg *config.Config, logger *zap.Logger) core.NamedBackend {
	sys := cfg.System
	log := logger.With(zap.String("backend", name), zap.String("driver", sys.Driver))

	open := func(ctx context.Context) (cbus.Backend, error) {
		switch sys.Driver {
		case config.DriverKafka:
			return wrap(kafka.NewWithKgo(kafka.Config{
				Brokers:  sys.KafkaBrokers,
				ClientID: sys.KafkaClientID,
				Group:    sys.KafkaGroup,
			}, kafka.WithLogger(log)))
		case config.DriverNATS:
			return wrap(nats.NewWithNATS(nats.Config{
				URL:   sys.NATSURL,
				Name:  serviceName,
				Queue: sys.NATSQueue,
			}, nats.WithLogger(log)))
		case config.DriverRabbitMQ:
			return wrap(rabbitmq.NewWithAMQPConn(rabbitmq.Config{
				URL:         sys.AMQPURL,
				Exchange:    sys.AMQPExchange,
				QueuePrefix: sys.AMQPQueuePrefix,
				ConnTimeout: sys.AMQPConnTimeout,
			}, rabbitmq.WithLogger(log)))
		case config.DriverRedis:
			return wrap(rstream.NewWithRedis(ctx, rstream.Config{
				Addr:  sys.RedisAddr,
				Group: sys.RedisGroup,
			}, rstream.WithLogger(log)))
		case config.DriverMemory:
			return inmemory.New(inmemory.WithWorkers(sys.MemoryWorkers), inmemory.WithLogger(log)), nil
		default:
			return nil, fmt.Errorf("driver %q: %w", sys.Driver, berr.ErrInvalidConfig)
		}
	}

	return core.NamedBackend{Name: name, Open: open}
}

// wrap keeps a failed constructor from leaking a typed nil into the interface.
func wrap(b cbus.Backend, err error) (cbus.Backend, error) { //nolint:ireturn
	if err != nil {
		return nil, err
	}

	return b, nil
}
