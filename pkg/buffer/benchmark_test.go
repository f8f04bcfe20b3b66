package buffer

import (
	"fmt"
	"testing"
)

func BenchmarkWrite(b *testing.B) {
	for _, policy := range []OverflowPolicy{DropOldest, DropNewest} {
		for _, capacity := range []int{64, 1024} {
			b.Run(fmt.Sprintf("%s/cap%d", policy, capacity), func(b *testing.B) {
				buf, err := NewCircularBuffer[int](capacity, WithOverflowPolicy[int](policy))
				if err != nil {
					b.Fatal(err)
				}
				defer buf.Close()

				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					_ = buf.Write(i)
				}
			})
		}
	}
}

func BenchmarkWriteParallel(b *testing.B) {
	buf, err := NewCircularBuffer[int](1024)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_ = buf.Write(i)
			i++
		}
	})
}

// Steady state around half full, the shape the dispatcher queues run
// at in practice.
func BenchmarkWriteReadInterleaved(b *testing.B) {
	buf, err := NewCircularBuffer[int](1024)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()

	for i := 0; i < 512; i++ {
		_ = buf.Write(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(i)
		buf.Read()
	}
}

func BenchmarkReadBatch(b *testing.B) {
	const batch = 64

	buf, err := NewCircularBuffer[int](4096)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()

	for i := 0; i < 4096; i++ {
		_ = buf.Write(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, v := range buf.ReadBatch(batch) {
			_ = buf.Write(v)
		}
	}
}

func BenchmarkPeek(b *testing.B) {
	buf, err := NewCircularBuffer[int](16)
	if err != nil {
		b.Fatal(err)
	}
	defer buf.Close()
	_ = buf.Write(42)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf.Peek()
		}
	})
}
