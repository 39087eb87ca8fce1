package services

import "container/list"

// DefaultDedupWindow is the number of recently delivered action IDs a
// session remembers.
const DefaultDedupWindow = 4096

// recentIDs is a bounded set of the most recently added IDs
type recentIDs struct {
	index   map[string]*list.Element
	order   *list.List
	maxSize int
}

func newRecentIDs(maxSize int) *recentIDs {
	if maxSize <= 0 {
		maxSize = DefaultDedupWindow
	}
	return &recentIDs{
		index:   map[string]*list.Element{},
		order:   list.New(),
		maxSize: maxSize,
	}
}

func (r *recentIDs) Contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r *recentIDs) Add(id string) {
	if elem, ok := r.index[id]; ok {
		r.order.MoveToFront(elem)
		return
	}
	r.index[id] = r.order.PushFront(id)
	for r.order.Len() > r.maxSize {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.index, oldest.Value.(string))
	}
}

func (r *recentIDs) Len() int {
	return r.order.Len()
}
