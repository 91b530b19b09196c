package store

// ordered is a map that remembers a listing order.
type ordered[K comparable, V any] struct {
	keys  []K
	items map[K]V
}

func newOrdered[K comparable, V any](capacity int) *ordered[K, V] {
	return &ordered[K, V]{
		keys:  make([]K, 0, capacity),
		items: make(map[K]V, capacity),
	}
}

func (o *ordered[K, V]) len() int { return len(o.keys) }

func (o *ordered[K, V]) has(k K) bool {
	_, ok := o.items[k]
	return ok
}

func (o *ordered[K, V]) get(k K) (V, bool) {
	v, ok := o.items[k]
	return v, ok
}

// set replaces an existing value in place. It reports false for unknown keys.
func (o *ordered[K, V]) set(k K, v V) bool {
	if !o.has(k) {
		return false
	}
	o.items[k] = v
	return true
}

// add appends k at the tail. Existing keys are left alone.
func (o *ordered[K, V]) add(k K, v V) bool {
	if o.has(k) {
		return false
	}
	o.keys = append(o.keys, k)
	o.items[k] = v
	return true
}

// prepend puts the given keys at the head, keeping their relative order.
func (o *ordered[K, V]) prepend(keys []K, values map[K]V) {
	head := make([]K, 0, len(keys)+len(o.keys))
	for _, k := range keys {
		if o.has(k) {
			continue
		}
		head = append(head, k)
		o.items[k] = values[k]
	}
	o.keys = append(head, o.keys...)
}

func (o *ordered[K, V]) values(clone func(V) V) []V {
	out := make([]V, 0, len(o.keys))
	for _, k := range o.keys {
		out = append(out, clone(o.items[k]))
	}
	return out
}
