package workflow

import (
	"slices"
	"sync"
)

// Catalog holds the graphs a process can run, keyed by workflow name.
// Graphs are replaced whole on reload; runs already holding a graph keep
// it.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*Graph)}
}

// Put adds or replaces g under its name.
func (c *Catalog) Put(g *Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs[g.Name()] = g
}

// Get returns the graph registered as name.
func (c *Catalog) Get(name string) (*Graph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[name]
	return g, ok
}

// Remove drops name and reports whether it was present.
func (c *Catalog) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.graphs[name]
	delete(c.graphs, name)
	return ok
}

// Names returns the registered names in order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.graphs))
	for name := range c.graphs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
