package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dhcgn/mbox-to-eml/model"
)

// BenchmarkWriter_Add benchmarks manifest write performance
func BenchmarkWriter_Add(b *testing.B) {
	tmpDir, err := os.MkdirTemp("", "manifest-bench-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	w, err := Create(filepath.Join(tmpDir, "manifest.jsonl"))
	if err != nil {
		b.Fatal(err)
	}
	defer w.Close()

	data := []byte("Subject: bench\n\nbody\n")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f := model.File{Name: fmt.Sprintf("bench_%04d_bench.eml", i), Data: data, Container: "bench", Index: i + 1}
		if err := w.Add(f); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	if err := w.Close(); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkLoad benchmarks manifest loading performance
func BenchmarkLoad(b *testing.B) {
	tmpDir, err := os.MkdirTemp("", "manifest-bench-*")
	if err != nil {
		b.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "manifest.jsonl")
	w, err := Create(path)
	if err != nil {
		b.Fatal(err)
	}

	for i := 0; i < 10000; i++ {
		f := model.File{Name: fmt.Sprintf("bench_%04d_bench.eml", i), Data: []byte("x"), Container: "bench", Index: i + 1}
		if err := w.Add(f); err != nil {
			b.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Load(path); err != nil {
			b.Fatal(err)
		}
	}
}
