// ============================================================================
// convcache Converter - 建置步驟協調器
// ============================================================================
//
// Package: internal/convert
// 文件: converter.go
// 功能: 結合 ConversionCache 與 WorkerPool，將一批來源檔案轉換為輸出檔案，
//       同一個 (來源, 工具鏈版本, 參數) 在所有並行建置步驟間只轉換一次
//
// 轉換流程 (Convert):
//   1. pool.Start() 取得會話
//   2. 對每個來源建立 ArtifactKey 並 LookupOrClaim
//      - 取得所有權 → 提交 RequestTask 到會話
//      - 未取得所有權 → 稍後等待他人的結果
//   3. 先等待自己擁有的任務，完成或失敗對應的快取項目
//   4. 再等待他人擁有的項目；失敗時改用不經快取的任務自行轉換
//   5. pool.End() 結束會話（一定執行）
//
// 順序說明:
//   步驟 3 必須在步驟 4 之前，否則兩個互相等待對方項目的建置步驟會死鎖。
//
// 持久化:
//   Load() 於建置開始時載入索引，Save() 於建置結束時寫回。
//
// ============================================================================

package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/convcache/internal/cache"
	"github.com/ChuLiYu/convcache/internal/future"
	"github.com/ChuLiYu/convcache/internal/process"
	"github.com/ChuLiYu/convcache/internal/worker"
	"github.com/ChuLiYu/convcache/pkg/types"
)

// DefaultCommand 是送給 converter 的預設協議命令
const DefaultCommand = "s"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Converter 配置
type Config struct {
	Command          string            // 協議命令
	ToolchainVersion string            // 工具鏈版本（快取鍵的一部分）
	Params           map[string]string // 轉換參數（快取鍵的一部分）
	OutputDir        string            // 輸出目錄
	OutputExt        string            // 輸出副檔名（空字串表示沿用來源副檔名）
	IndexPath        string            // 快取索引檔案路徑
	TaskTimeout      time.Duration     // 單一轉換超時
	Logger           *slog.Logger      // 日誌
}

// Converter 建置步驟協調器
type Converter struct {
	cache *cache.Cache // 轉換快取
	pool  *worker.Pool // converter 行程池
	cfg   Config       // 配置
	log   *slog.Logger
}

// Stats 是快取與行程池的合併快照
type Stats struct {
	Cache cache.Stats
	Pool  worker.Stats
}

// item 追蹤一個來源在本次 Convert 中的狀態
type item struct {
	source  string
	aliases []string // 同一個鍵的其他寫法
	key     types.ArtifactKey
	entry   *cache.Entry
	claimed bool
	output  string
	result  *future.Future
	err     error
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Converter
func New(c *cache.Cache, pool *worker.Pool, cfg Config) *Converter {
	if cfg.Command == "" {
		cfg.Command = DefaultCommand
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Converter{
		cache: c,
		pool:  pool,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "converter"),
	}
}

// Load 載入快取索引，返回載入的記錄數
func (c *Converter) Load() int {
	if c.cfg.IndexPath == "" {
		return 0
	}
	n := c.cache.Load(c.cfg.IndexPath)
	c.log.Info("cache index loaded", "path", c.cfg.IndexPath, "records", n)
	return n
}

// Save 將快取寫回索引
func (c *Converter) Save() error {
	if c.cfg.IndexPath == "" {
		return nil
	}
	if err := c.cache.Save(c.cfg.IndexPath); err != nil {
		return fmt.Errorf("failed to save cache index: %w", err)
	}
	c.log.Info("cache index saved", "path", c.cfg.IndexPath)
	return nil
}

// Stats 返回目前的快取與行程池狀態
func (c *Converter) Stats() Stats {
	return Stats{Cache: c.cache.Stats(), Pool: c.pool.Stats()}
}

// Key 建立 source 的快取鍵
func (c *Converter) Key(source string) (types.ArtifactKey, error) {
	abs, err := filepath.Abs(source)
	if err != nil {
		return types.ArtifactKey{}, err
	}
	return types.NewArtifactKey(abs, c.cfg.ToolchainVersion, c.cfg.Params)
}

// OutputPath 返回 key 的輸出路徑: <outputDir>/<hash16>-<basename><ext>
func (c *Converter) OutputPath(key types.ArtifactKey) string {
	return c.outputPath(key, "")
}

func (c *Converter) outputPath(key types.ArtifactKey, suffix string) string {
	base := filepath.Base(key.Source())
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if c.cfg.OutputExt != "" {
		ext = c.cfg.OutputExt
	}
	return filepath.Join(c.cfg.OutputDir, fmt.Sprintf("%016x-%s%s%s", key.Hash(), name, suffix, ext))
}

// Convert converts every source and returns its outputs keyed by the source
// as given. Conversions already done or running elsewhere are reused. The
// returned error joins one error per failed source; outputs of the sources
// that succeeded are still returned.
func (c *Converter) Convert(ctx context.Context, sources []string) (map[string][]string, error) {
	if c.cfg.OutputDir != "" {
		if err := os.MkdirAll(c.cfg.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	session := c.pool.Start()
	start := time.Now()

	items := c.claim(session, sources)

	// 1. 自己擁有的項目
	for _, it := range items {
		if it.claimed && it.err == nil {
			c.resolveClaimed(ctx, it)
		}
	}
	// 2. 他人擁有的項目
	for _, it := range items {
		if !it.claimed && it.err == nil {
			c.awaitShared(ctx, session, it)
		}
	}

	endErr := c.pool.End(session)

	results := make(map[string][]string, len(items))
	var errs []error
	hits := 0
	for _, it := range items {
		if it.err != nil {
			errs = append(errs, fmt.Errorf("failed to convert %s: %w", it.source, it.err))
			continue
		}
		if !it.claimed && it.entry != nil {
			hits++
		}
		outputs := it.outputs()
		results[it.source] = outputs
		for _, alias := range it.aliases {
			results[alias] = outputs
		}
	}
	if len(errs) == 0 && endErr != nil {
		errs = append(errs, endErr)
	}

	c.log.Info("conversion finished",
		"session", session,
		"sources", len(items),
		"reused", hits,
		"failed", len(errs),
		"duration", time.Since(start))

	return results, errors.Join(errs...)
}

// claim 為每個來源取得快取項目，並為擁有的項目提交任務
func (c *Converter) claim(session types.SessionKey, sources []string) []*item {
	seen := make(map[string]*item, len(sources))
	items := make([]*item, 0, len(sources))

	for _, source := range sources {
		it := &item{source: source}
		key, err := c.Key(source)
		if err != nil {
			it.err = err
			items = append(items, it)
			continue
		}
		if first, ok := seen[key.String()]; ok {
			if source != first.source {
				first.aliases = append(first.aliases, source)
			}
			continue
		}
		seen[key.String()] = it
		it.key = key

		it.entry, it.claimed = c.cache.LookupOrClaim(key)
		items = append(items, it)
		if !it.claimed {
			continue
		}

		it.output = c.OutputPath(key)
		it.result, err = c.pool.Submit(session, c.task(key, it.output))
		if err != nil {
			it.entry.Fail(err)
			it.err = err
		}
	}
	return items
}

func (c *Converter) task(key types.ArtifactKey, output string) worker.Task {
	return worker.RequestTask(
		types.JobID(key.Source()),
		process.Request{Command: c.cfg.Command, Args: []string{key.Source(), output}},
		c.cfg.TaskTimeout,
	)
}

// resolveClaimed 等待自己的任務，並完成或失敗快取項目（一定會釋放等待者）
func (c *Converter) resolveClaimed(ctx context.Context, it *item) {
	err := it.result.WaitContext(ctx)
	if err != nil {
		it.entry.Fail(err)
		it.err = err
		c.log.Warn("conversion failed", "source", it.source, "error", err)
		return
	}
	it.entry.AddOutput(it.output)
	it.entry.Complete()
	c.log.Debug("converted", "source", it.source, "output", it.output)
}

// awaitShared 等待他人擁有的項目；失敗時以不經快取的任務自行轉換
func (c *Converter) awaitShared(ctx context.Context, session types.SessionKey, it *item) {
	err := it.entry.Wait(ctx)
	if err == nil {
		return
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		it.err = ctxErr
		return
	}

	c.log.Info("shared conversion failed, converting without cache", "source", it.source, "error", err)

	output := c.outputPath(it.key, fmt.Sprintf("-s%d", session))
	task := c.task(it.key, output)
	task.ID = types.JobID(it.key.Source() + " (uncached)")

	f, err := c.pool.Submit(session, task)
	if err == nil {
		err = f.WaitContext(ctx)
	}
	if err != nil {
		it.err = err
		return
	}
	it.entry = nil
	it.output = output
}

func (it *item) outputs() []string {
	if it.entry != nil {
		return it.entry.Outputs()
	}
	return []string{it.output}
}
