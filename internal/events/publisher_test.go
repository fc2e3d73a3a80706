package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iabetor/pispeak/internal/pipeline"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func TestPublisher_Lifecycle(t *testing.T) {
	c := &fakeConn{}
	p := newPublisher(c, "pispeak.stream")
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	info := pipeline.Info{ID: "abc", Source: "openai", Engine: "edge"}
	p.StreamStarted(info)
	p.FirstAudio("abc", 420*time.Millisecond)
	p.StreamFinished(pipeline.Report{
		Info:       info,
		FirstAudio: 420 * time.Millisecond,
		Phrases:    2,
		Frames:     9,
		Outcome:    pipeline.OutcomeFailed,
		Err:        errors.New("tts down"),
	})

	wantSubjects := []string{"pispeak.stream.started", "pispeak.stream.first_audio", "pispeak.stream.finished"}
	if len(c.msgs) != len(wantSubjects) {
		t.Fatalf("published %d messages, want %d", len(c.msgs), len(wantSubjects))
	}
	for i, want := range wantSubjects {
		if c.msgs[i].subject != want {
			t.Errorf("msg[%d] subject = %s, want %s", i, c.msgs[i].subject, want)
		}
	}

	var ev Event
	if err := json.Unmarshal(c.msgs[2].data, &ev); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if ev.StreamID != "abc" || ev.Outcome != "failed" || ev.Error != "tts down" ||
		ev.LatencyMs != 420 || ev.Phrases != 2 || ev.Frames != 9 || !ev.Time.Equal(fixed) {
		t.Errorf("unexpected finished event: %+v", ev)
	}

	var first map[string]any
	if err := json.Unmarshal(c.msgs[1].data, &first); err != nil {
		t.Fatal(err)
	}
	if _, ok := first["outcome"]; ok {
		t.Error("empty fields should be omitted")
	}
}

func TestPublisher_PublishErrorIsSwallowed(t *testing.T) {
	c := &fakeConn{err: errors.New("connection closed")}
	p := newPublisher(c, "x")
	// 不应 panic
	p.StreamStarted(pipeline.Info{ID: "1"})
	p.Close()
}
