package mock

import "github.com/saber71/backend-storage/internal/storageapi"

type collectionKey struct {
	typ  storageapi.CollectionType
	name string
}

// collection keeps documents in insertion order.
type collection struct {
	docs  map[string]map[string]any
	order []string
}

func newCollection() *collection {
	return &collection{docs: make(map[string]map[string]any)}
}

func (c *collection) get(id string) (map[string]any, bool) {
	doc, ok := c.docs[id]
	return doc, ok
}

func (c *collection) put(id string, doc map[string]any) {
	if _, ok := c.docs[id]; !ok {
		c.order = append(c.order, id)
	}
	c.docs[id] = doc
}

func (c *collection) remove(id string) (map[string]any, bool) {
	doc, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	return doc, true
}

func (c *collection) list() []map[string]any {
	out := make([]map[string]any, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.docs[id])
	}
	return out
}

func (c *collection) clone() *collection {
	out := &collection{
		docs:  make(map[string]map[string]any, len(c.docs)),
		order: append([]string(nil), c.order...),
	}
	for id, doc := range c.docs {
		out.docs[id] = copyDoc(doc)
	}
	return out
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
