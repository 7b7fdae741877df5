package rpc

import (
	"fmt"
	"sync"

	"github.com/kbirk/rpcmux/pkg/log"
	"github.com/panjf2000/ants/v2"
)

// Executor runs submitted tasks on some goroutine. *ants.Pool satisfies it.
type Executor interface {
	Submit(task func()) error
}

var (
	defaultPool     *ants.Pool
	defaultPoolOnce sync.Once
)

// DefaultPool returns the shared, unbounded goroutine pool used when a config
// does not name one.
func DefaultPool() Executor {
	defaultPoolOnce.Do(func() {
		p, err := ants.NewPool(-1)
		if err != nil {
			panic(fmt.Sprintf("failed to create default pool: %v", err))
		}
		defaultPool = p
	})
	return defaultPool
}

// NewPool creates a goroutine pool running at most size tasks at once.
// Submitting to a full pool blocks until a worker frees up.
func NewPool(size int, logger log.Logger) (*ants.Pool, error) {
	return ants.NewPool(size, ants.WithPanicHandler(func(r interface{}) {
		if logger != nil {
			logger.Error(fmt.Sprintf("Pool task panicked: %v", r))
		}
	}))
}

func executorOrDefault(executor Executor) Executor {
	if executor == nil {
		return DefaultPool()
	}
	return executor
}
