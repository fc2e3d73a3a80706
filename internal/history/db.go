package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
)

// ErrNotFound 表示没有对应 ID 的记录。
var ErrNotFound = errors.New("stream not found")

// Record 是一条流的历史记录。
type Record struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Engine       string    `json:"engine"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	FirstAudioMs int64     `json:"first_audio_ms"` // -1 表示没有播放音频
	Phrases      int       `json:"phrases"`
	Frames       int       `json:"frames"`
	Outcome      string    `json:"outcome"`
	Error        string    `json:"error,omitempty"`
}

// Store 把流的历史写入 SQLite。
type Store struct {
	db *sql.DB
}

// Open 打开或创建数据库并完成迁移。
// path 为空时使用 ~/.pispeak/history.db。
func Open(path string) (*Store, error) {
	if path == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			path = filepath.Join(home, ".pispeak", "history.db")
		} else {
			path = "./history.db"
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("[history] 创建数据库目录失败: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("[history] 打开数据库失败: %w", err)
	}
	// 设置 WAL 模式（更好的并发性能）
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("[history] 设置 WAL 模式失败: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("[history] 设置 busy_timeout 失败: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Infof("[history] 数据库已打开: %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS stream_history (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			engine TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			first_audio_ms INTEGER NOT NULL DEFAULT -1,
			phrases INTEGER NOT NULL DEFAULT 0,
			frames INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stream_history_started ON stream_history(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("[history] 数据库迁移失败: %w", err)
		}
	}
	return nil
}

// Add 写入一条记录，同 ID 覆盖。
func (s *Store) Add(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO stream_history
			(id, source, engine, started_at, finished_at, first_audio_ms, phrases, frames, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Source, r.Engine, r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		r.FirstAudioMs, r.Phrases, r.Frames, r.Outcome, r.Error,
	)
	if err != nil {
		return fmt.Errorf("[history] 写入记录失败: %w", err)
	}
	return nil
}

const selectColumns = `SELECT id, source, engine, started_at, finished_at, first_audio_ms, phrases, frames, outcome, error FROM stream_history`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                 Record
		started, finished int64
	)
	if err := row.Scan(&r.ID, &r.Source, &r.Engine, &started, &finished,
		&r.FirstAudioMs, &r.Phrases, &r.Frames, &r.Outcome, &r.Error); err != nil {
		return Record{}, err
	}
	r.StartedAt = time.UnixMilli(started)
	r.FinishedAt = time.UnixMilli(finished)
	return r, nil
}

// Recent 按开始时间倒序返回最近的 limit 条记录。
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("[history] 查询记录失败: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("[history] 读取记录失败: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Get 返回指定 ID 的记录。
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("[history] 读取记录失败: %w", err)
	}
	return r, nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// FromReport 把流水线的汇总转换为历史记录。
func FromReport(rep pipeline.Report) Record {
	r := Record{
		ID:           rep.ID,
		Source:       rep.Source,
		Engine:       rep.Engine,
		StartedAt:    rep.Started,
		FinishedAt:   rep.Finished,
		FirstAudioMs: -1,
		Phrases:      rep.Phrases,
		Frames:       rep.Frames,
		Outcome:      string(rep.Outcome),
	}
	if rep.FirstAudio > 0 {
		r.FirstAudioMs = rep.FirstAudio.Milliseconds()
	}
	if rep.Err != nil {
		r.Error = rep.Err.Error()
	}
	return r
}
