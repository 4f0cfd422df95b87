package index

import (
	"encoding/json"
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"moul.io/zapgorm2"

	"github.com/John-Robertt/korpus/internal/domain"
)

// Entry 是 SQLite 中的一行索引，与 CSV 的一行一一对应。
type Entry struct {
	ID        uint   `gorm:"primaryKey"`
	Row       int    `gorm:"index"`
	Key       string `gorm:"index;size:512"`
	Column    string `gorm:"size:256"`
	URL       string `gorm:"size:2048"`
	LocalPath string `gorm:"size:1024"`
	Status    string `gorm:"index;size:32"`
	Reason    string `gorm:"type:text"`
	Bytes     int64
	Duration  *float64
	Width     *int
	Height    *int
	Codec     string `gorm:"size:64"`
	BitRate   *int64
	Format    string `gorm:"size:128"`
	// Fields 是源表格文本列（JSON 对象，键为表头）。
	Fields string `gorm:"type:text"`
}

func (Entry) TableName() string { return "korpus_index" }

// SQLiteSink 把索引表同步到 SQLite（纯 Go 驱动，无需 cgo）。
type SQLiteSink struct {
	db *gorm.DB
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	// gorm 的日志接到 zap：只保留慢查询与错误。
	gl := zapgorm2.New(zap.L().Named("sqlite")).LogMode(logger.Warn)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

// Replace 在一个事务内整体替换所有行，与 CSV 的整体覆盖语义一致。
func (s *SQLiteSink) Replace(t domain.Table) error {
	entries := make([]Entry, 0, len(t.Rows))
	for _, r := range t.Rows {
		e, err := entryOf(t.Header, r)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Entry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.CreateInBatches(entries, 200).Error
	})
}

func (s *SQLiteSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PersistSQLite 打开 path、整体替换并关闭；失败返回 *PersistError。
func PersistSQLite(t domain.Table, path string) error {
	s, err := OpenSQLite(path)
	if err != nil {
		return &PersistError{Path: path, Err: err}
	}
	defer s.Close()
	if err := s.Replace(t); err != nil {
		return &PersistError{Path: path, Err: err}
	}
	return nil
}

func entryOf(header []string, r domain.IndexRow) (Entry, error) {
	fields := make(map[string]string, len(header))
	for _, n := range header {
		fields[n] = r.Field(n)
	}
	fj, err := json.Marshal(fields)
	if err != nil {
		return Entry{}, fmt.Errorf("编码字段失败：%w", err)
	}

	e := Entry{
		Row:       r.Row,
		Key:       r.Key,
		Column:    r.Column,
		URL:       r.URL,
		LocalPath: r.LocalPath,
		Status:    r.Outcome.Status,
		Reason:    r.Outcome.Reason,
		Bytes:     r.Outcome.Bytes,
		Fields:    string(fj),
	}
	if m := r.Meta; m != nil {
		d, w, h, br := m.Duration, m.Width, m.Height, m.BitRate
		e.Duration, e.Width, e.Height, e.BitRate = &d, &w, &h, &br
		e.Codec, e.Format = m.Codec, m.Format
	}
	return e, nil
}
