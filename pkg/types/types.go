// Package types 定義了 convcache 系統中使用的核心領域模型
package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/creachadair/cityhash"
)

// JobID 轉換任務唯一識別碼
type JobID string

// SessionKey 工作池會話識別碼（單調遞增）
type SessionKey int64

// ErrEmptySource 表示建立 ArtifactKey 時未提供來源路徑
var ErrEmptySource = errors.New("artifact key: empty source path")

// ArtifactKey identifies one conversion: the source artifact, the toolchain
// revision that converts it and every parameter that changes the output.
//
// Keys are immutable. Two keys are equal iff all three parts are equal; the
// parameter map is compared independently of insertion order.
type ArtifactKey struct {
	source    string            // 來源檔案路徑
	toolchain string            // 工具鏈版本（semver 正規化）
	params    map[string]string // 轉換參數（影響輸出）
	canonical string            // 排序後的正規化編碼，用於比較與雜湊
}

// NewArtifactKey builds a key. The toolchain version is normalised through
// semver when it parses as one ("30.0" becomes "30.0.0"); other revision
// strings are kept as given.
func NewArtifactKey(source, toolchainVersion string, params map[string]string) (ArtifactKey, error) {
	if source == "" {
		return ArtifactKey{}, ErrEmptySource
	}

	toolchain := strings.TrimSpace(toolchainVersion)
	if v, err := semver.NewVersion(toolchain); err == nil {
		toolchain = v.String()
	}

	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}

	key := ArtifactKey{
		source:    source,
		toolchain: toolchain,
		params:    copied,
	}
	key.canonical = key.encode()
	return key, nil
}

// MustArtifactKey is NewArtifactKey for static keys; it panics on error.
func MustArtifactKey(source, toolchainVersion string, params map[string]string) ArtifactKey {
	key, err := NewArtifactKey(source, toolchainVersion, params)
	if err != nil {
		panic(err)
	}
	return key
}

func (k ArtifactKey) encode() string {
	names := make([]string, 0, len(k.params))
	for name := range k.params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%q|%q", k.source, k.toolchain)
	for _, name := range names {
		fmt.Fprintf(&b, "|%q=%q", name, k.params[name])
	}
	return b.String()
}

// Source returns the source artifact path.
func (k ArtifactKey) Source() string { return k.source }

// ToolchainVersion returns the normalised toolchain revision.
func (k ArtifactKey) ToolchainVersion() string { return k.toolchain }

// Params returns a copy of the transform parameters.
func (k ArtifactKey) Params() map[string]string {
	out := make(map[string]string, len(k.params))
	for name, v := range k.params {
		out[name] = v
	}
	return out
}

// IsZero reports whether k was never constructed.
func (k ArtifactKey) IsZero() bool { return k.canonical == "" }

// Equal reports whether both keys name the same conversion.
func (k ArtifactKey) Equal(other ArtifactKey) bool {
	return k.canonical == other.canonical
}

// Hash returns a 64-bit hash of the key; equal keys hash equally.
func (k ArtifactKey) Hash() uint64 {
	return cityhash.Hash64([]byte(k.canonical))
}

// String returns the canonical encoding, stable across processes.
func (k ArtifactKey) String() string { return k.canonical }
