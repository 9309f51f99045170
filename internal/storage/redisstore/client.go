// Package redisstore содержит реализации ключей идемпотентности, номеров заказов
// и аренды фоновых задач поверх Redis.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "bidflow"
	opTimeout        = 2 * time.Second
)

// Config описывает подключение к Redis. Несколько адресов через запятую
// включают кластерный клиент.
type Config struct {
	Addrs    string
	Password string
	DB       int
}

// Connect создаёт клиента и проверяет доступность сервера.
func Connect(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	addrs := make([]string, 0)
	for _, addr := range strings.Split(cfg.Addrs, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Pinger адаптирует клиента к health.Pinger.
type Pinger struct {
	Client redis.UniversalClient
}

func (p Pinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

func buildKey(prefix string, parts ...string) string {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return prefix + ":" + strings.Join(parts, ":")
}
