package optimize

import (
	"testing"
)

func BenchmarkBytePool(b *testing.B) {
	pool := NewBytePool(1500)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		// Simulate usage
		buf[0] = byte(i)
		pool.Put(buf)
	}
}

func BenchmarkByteAllocation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := make([]byte, 1500)
		// Simulate usage
		buf[0] = byte(i)
	}
}
