package store

// VectorClock tracks per-worker operation counts on a server. The global
// clock advances to the minimum of the local clocks, so it is always a
// lower bound on every worker's progress and never decreases.
type VectorClock struct {
	local  []int
	global int
}

// NewVectorClock creates a clock over n workers.
func NewVectorClock(n int) *VectorClock {
	return &VectorClock{local: make([]int, n)}
}

// Update ticks worker i's local clock, advancing the global clock when the
// minimum moved. It returns true when the tick brought every worker level
// with the fastest one, the point at which buffered peers may drain.
func (c *VectorClock) Update(i int) bool {
	c.local[i]++
	if min := c.min(); c.global < min {
		c.global++
		if c.global == c.max() {
			return true
		}
	}
	return false
}

// Local returns worker i's clock.
func (c *VectorClock) Local(i int) int { return c.local[i] }

// Global returns the server's global clock.
func (c *VectorClock) Global() int { return c.global }

func (c *VectorClock) min() int {
	m := c.local[0]
	for _, v := range c.local[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func (c *VectorClock) max() int {
	m := c.global
	for _, v := range c.local {
		if v > m {
			m = v
		}
	}
	return m
}
