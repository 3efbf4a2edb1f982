// Package integration starts throwaway Postgres, Redis and Kafka containers
// for tests that need the real stores.
package integration

import (
	"context"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Env struct {
	PG        *postgres.PostgresContainer
	Redis     testcontainers.Container
	Kafka     *kafka.KafkaContainer
	PGURL     string
	RedisAddr string
	KAddr     []string
	Cancel    context.CancelFunc
}

func Setup(ctx context.Context) (*Env, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ordercore"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		cancel()
		return nil, err
	}

	pgURL, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		cancel()
		return nil, err
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	redisAddr, err := redisC.Endpoint(ctx, "")
	if err != nil {
		cancel()
		return nil, err
	}

	kafkaC, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("ordercore-test"),
	)
	if err != nil {
		cancel()
		return nil, err
	}
	kafkaAddress, err := kafkaC.Brokers(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Env{
		PG:        pgC,
		Redis:     redisC,
		Kafka:     kafkaC,
		PGURL:     pgURL,
		RedisAddr: redisAddr,
		KAddr:     kafkaAddress,
		Cancel:    cancel,
	}, nil
}

func (e *Env) Teardown(ctx context.Context) {
	e.Cancel()
	_ = e.Kafka.Terminate(ctx)
	_ = e.Redis.Terminate(ctx)
	_ = e.PG.Terminate(ctx)
}
