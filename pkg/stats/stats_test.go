package stats

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	var c Counter
	if c.Value() != 0 {
		t.Fatalf("fresh counter = %d", c.Value())
	}
	if got := c.Inc(); got != 1 {
		t.Errorf("Inc = %d, want 1", got)
	}
	if got := c.Add(41); got != 42 {
		t.Errorf("Add = %d, want 42", got)
	}
}

func TestCounterConcurrentAdds(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	if c.Value() != 8000 {
		t.Errorf("total = %d, want 8000", c.Value())
	}
}
