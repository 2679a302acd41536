package indexer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
)

func benchConfig(b *testing.B) config.IndexerConfig {
	return config.IndexerConfig{
		DataDir:       b.TempDir(),
		MaxDeltaSize:  1 << 40,
		FlushInterval: time.Hour,
		ReuseExisting: true,
	}
}

func benchTable(i int) map[string][]string {
	return map[string][]string{
		"decl": {fmt.Sprintf("Type%d", i), fmt.Sprintf("method%d", i%97)},
		"ref":  {"List", "Map", fmt.Sprintf("Type%d", (i+1)%1000)},
	}
}

// populated returns an engine with n documents saved to disk.
func populated(b *testing.B, n int) *Engine {
	b.Helper()
	e, err := NewEngine("bench", benchConfig(b))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := e.AddDocument(ctx, fmt.Sprintf("src/pkg%d/Type%d.java", i%50, i), benchTable(i)); err != nil {
			b.Fatal(err)
		}
	}
	if err := e.Save(ctx); err != nil {
		b.Fatal(err)
	}
	return e
}

// BenchmarkEngineAddDocument measures per-document delta insert throughput.
func BenchmarkEngineAddDocument(b *testing.B) {
	e, err := NewEngine("bench", benchConfig(b))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.AddDocument(ctx, fmt.Sprintf("doc-%d", i), benchTable(i)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkEngineQuery measures query latency against a saved index of 10 000
// documents for each match mode.
func BenchmarkEngineQuery(b *testing.B) {
	e := populated(b, 10000)
	queries := []struct {
		name string
		key  string
		rule match.Rule
	}{
		{"exact", "List", match.Exact | match.CaseSensitive},
		{"prefix", "type12", match.Prefix},
		{"pattern", "meth*9", match.Pattern},
		{"regexp", "Type1[0-9]{2}$", match.Regexp | match.CaseSensitive},
	}
	ctx := context.Background()
	for _, q := range queries {
		b.Run(q.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := e.Query(ctx, []string{"decl", "ref"}, q.key, q.rule); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkEngineQueryParallel measures concurrent read throughput.
func BenchmarkEngineQueryParallel(b *testing.B) {
	e := populated(b, 10000)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := e.Query(ctx, []string{"ref"}, "Map", match.Exact); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkEngineSave measures merging a small delta into indexes of
// increasing size.
func BenchmarkEngineSave(b *testing.B) {
	for _, size := range []int{1000, 10000} {
		b.Run(fmt.Sprintf("docs_%d", size), func(b *testing.B) {
			e := populated(b, size)
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := e.AddDocument(ctx, fmt.Sprintf("src/new/Doc%d.java", i), benchTable(i)); err != nil {
					b.Fatal(err)
				}
				if err := e.Save(ctx); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
