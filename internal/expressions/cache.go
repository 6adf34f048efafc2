package expressions

import "sync"

// codeCache memoizes compiled programs by source text.
type codeCache[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

func newCodeCache[T any]() *codeCache[T] {
	return &codeCache[T]{items: make(map[string]T)}
}

func (c *codeCache[T]) getOrCompile(src string, compile func(string) (T, error)) (T, error) {
	c.mu.RLock()
	if v, ok := c.items[src]; ok {
		c.mu.RUnlock()
		return v, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.items[src]; ok {
		return v, nil
	}
	v, err := compile(src)
	if err != nil {
		var zero T
		return zero, err
	}
	c.items[src] = v
	return v, nil
}

func (c *codeCache[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
