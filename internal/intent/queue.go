package intent

import (
	"context"
)

// Handler 处理来自分发队列的执行 ID。执行结果落在执行记录上，
// 返回错误仅用于记录，队列不做重投。
type Handler func(ctx context.Context, executionID string) error

// Producer 负责向队列投递执行 ID。
type Producer interface {
	Publish(ctx context.Context, executionID string) error
	Close() error
}

// Consumer 负责从队列中消费执行 ID。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
