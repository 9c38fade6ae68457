package queue

import (
	"context"
	"fmt"
)

type Options struct {
	Driver   string // redis | amqp | memory
	Name     string
	RedisURL string
	AMQPURL  string
	Prefetch int
}

func Open(ctx context.Context, opt Options) (Broker, error) {
	if opt.Name == "" {
		opt.Name = "outreach"
	}
	switch opt.Driver {
	case "", "redis":
		return OpenRedis(ctx, opt.RedisURL, opt.Name)
	case "amqp":
		return OpenAMQP(opt.AMQPURL, opt.Name, opt.Prefetch)
	case "memory":
		return NewMemory(0), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", opt.Driver)
}
