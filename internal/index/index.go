package index

// ============================================================================
// 職責說明：
// 1. 將轉換快取的索引序列化為 YAML 檔（每筆記錄一個 item）
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證版本標記，不相容即視為不存在
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"
)

// Version is the only index version this build reads and writes.
const Version = "2"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedIndex      = errors.New("index file is corrupted")
	ErrIncompatibleVersion = errors.New("index version is incompatible")
	ErrIndexNotFound       = errors.New("index file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Record is one retained conversion.
type Record struct {
	Source    string            `yaml:"source"`           // 來源檔案路徑
	Toolchain string            `yaml:"toolchain"`        // 工具鏈版本
	Params    map[string]string `yaml:"params,omitempty"` // 轉換參數
	Digest    digest.Digest     `yaml:"digest"`           // 產生輸出時來源內容的摘要
	Outputs   []string          `yaml:"outputs"`          // 輸出檔案路徑（至少一個）
}

// Index is the whole persisted document.
type Index struct {
	Version string   `yaml:"version"`
	Items   []Record `yaml:"items"`
}

// Store reads and writes one index file.
type Store struct {
	path string     // 索引檔案路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewStore returns a store for the index file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Write stores idx atomically: the document goes to <path>.tmp which is then
// renamed over the index file.
func (s *Store) Write(idx Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx.Version = Version

	data, err := yaml.Marshal(&idx)
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp index: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index: %w", err)
	}

	return nil
}

// Read loads the index.
//
// A missing file yields ErrIndexNotFound, undecodable content
// ErrCorruptedIndex and a foreign version tag ErrIncompatibleVersion. Records
// without a source or without outputs are skipped.
func (s *Store) Read() (Index, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Index{}, ErrIndexNotFound
		}
		return Index{}, fmt.Errorf("failed to read index: %w", err)
	}

	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return Index{}, fmt.Errorf("%w: %v", ErrCorruptedIndex, err)
	}

	if idx.Version != Version {
		return Index{}, fmt.Errorf("%w: got %q, want %q", ErrIncompatibleVersion, idx.Version, Version)
	}

	items := idx.Items[:0]
	for _, rec := range idx.Items {
		if rec.Source == "" || len(rec.Outputs) == 0 {
			continue
		}
		items = append(items, rec)
	}
	idx.Items = items

	return idx, nil
}

// Exists reports whether the index file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Path returns the index file path.
func (s *Store) Path() string {
	return s.path
}
