package scriptwatch_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/git-pkgs/scriptwatch"
	"github.com/git-pkgs/scriptwatch/internal/testutil"
)

func newBenchMonitor(b *testing.B, reg *testutil.Registry) *scriptwatch.Monitor {
	b.Helper()
	opts := scriptwatch.DefaultOptions()
	opts.RegistryURL = reg.URL
	opts.DataDir = b.TempDir()
	m, err := scriptwatch.New(opts, nil)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = m.Close() })
	return m
}

// Rescanning a reported release exercises fetch, resolve and diff without
// writing to the findings store.
func BenchmarkScanOnce(b *testing.B) {
	reg := testutil.NewRegistry(b)
	reg.Publish("lodash", "4.17.20", nil)
	reg.Publish("lodash", "4.17.21", map[string]string{"postinstall": "node ./x.js"})
	m := newBenchMonitor(b, reg)
	ctx := context.Background()
	_, _ = m.ScanOnce(ctx, "lodash")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.ScanOnce(ctx, "lodash")
	}
}

func BenchmarkScanOnce_LargePackument(b *testing.B) {
	reg := testutil.NewRegistry(b)
	for i := 0; i < 500; i++ {
		reg.Publish("typescript", fmt.Sprintf("5.%d.%d", i/10, i%10), map[string]string{"test": "tsc -p ."})
	}
	m := newBenchMonitor(b, reg)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.ScanOnce(ctx, "typescript")
	}
}

func BenchmarkScanOnce_Parallel(b *testing.B) {
	reg := testutil.NewRegistry(b)
	reg.Publish("serde", "1.0.0", nil)
	reg.Publish("serde", "1.0.1", nil)
	m := newBenchMonitor(b, reg)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = m.ScanOnce(ctx, "serde")
		}
	})
}
