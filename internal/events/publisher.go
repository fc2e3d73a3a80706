package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
)

// 事件类型，也是主题的最后一段。
const (
	TypeStarted    = "started"
	TypeFirstAudio = "first_audio"
	TypeFinished   = "finished"
)

// Event 是发布到 NATS 的 JSON 消息。
type Event struct {
	Type      string    `json:"type"`
	StreamID  string    `json:"stream_id"`
	Time      time.Time `json:"time"`
	Source    string    `json:"source,omitempty"`
	Engine    string    `json:"engine,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Phrases   int       `json:"phrases,omitempty"`
	Frames    int       `json:"frames,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher 把流的生命周期事件发布到 <prefix>.<type>。
// 发布是异步的，失败只记日志，不影响播放。
type Publisher struct {
	conn   conn
	nc     *nats.Conn
	prefix string
	now    func() time.Time
}

// Connect 连接 NATS 并返回发布者。
func Connect(cfg config.EventsConfig) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("pispeak"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("[events] 与 NATS 断开: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("[events] 已重新连接 NATS: %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[events] 连接 NATS 失败: %w", err)
	}
	logger.Infof("[events] 已连接 NATS: %s (prefix=%s)", cfg.URL, cfg.Prefix)

	p := newPublisher(nc, cfg.Prefix)
	p.nc = nc
	return p, nil
}

func newPublisher(c conn, prefix string) *Publisher {
	return &Publisher{conn: c, prefix: prefix, now: time.Now}
}

// Subject 返回事件类型对应的主题。
func (p *Publisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

func (p *Publisher) publish(ev Event) {
	ev.Time = p.now()
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warnf("[events] 编码事件失败: %v", err)
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		logger.Warnf("[events] 发布 %s 事件失败: %v", ev.Type, err)
	}
}

func (p *Publisher) StreamStarted(info pipeline.Info) {
	p.publish(Event{Type: TypeStarted, StreamID: info.ID, Source: info.Source, Engine: info.Engine})
}

func (p *Publisher) FirstAudio(id string, latency time.Duration) {
	p.publish(Event{Type: TypeFirstAudio, StreamID: id, LatencyMs: latency.Milliseconds()})
}

func (p *Publisher) StreamFinished(r pipeline.Report) {
	ev := Event{
		Type:     TypeFinished,
		StreamID: r.ID,
		Source:   r.Source,
		Engine:   r.Engine,
		Phrases:  r.Phrases,
		Frames:   r.Frames,
		Outcome:  string(r.Outcome),
	}
	if r.FirstAudio > 0 {
		ev.LatencyMs = r.FirstAudio.Milliseconds()
	}
	if r.Err != nil {
		ev.Error = r.Err.Error()
	}
	p.publish(ev)
}

// Close 发送缓冲中的消息后断开连接。
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		logger.Warnf("[events] 断开 NATS 失败: %v", err)
		p.nc.Close()
	}
}
