package history

import (
	"context"
	"time"

	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
)

const writeTimeout = 2 * time.Second

// Observer 在流结束时写入历史记录。
type Observer struct {
	store *Store
}

// NewObserver 创建写入 store 的观察者。
func NewObserver(store *Store) *Observer {
	return &Observer{store: store}
}

func (o *Observer) StreamStarted(pipeline.Info)      {}
func (o *Observer) FirstAudio(string, time.Duration) {}

func (o *Observer) StreamFinished(rep pipeline.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := o.store.Add(ctx, FromReport(rep)); err != nil {
		logger.Warnf("[history] 记录流 %s 失败: %v", rep.ID, err)
	}
}
