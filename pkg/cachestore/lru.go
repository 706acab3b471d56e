package cachestore

import "container/list"

// hotIndex is a small in-memory LRU of recently read/written serialized
// entries. It only short-circuits store reads; the persistent store stays
// authoritative, so dropping from it is always safe.
type hotIndex struct {
	maxSize int

	l *list.List
	m map[string]*list.Element
}

type hotKV struct {
	key string
	v   string
}

func newHotIndex(maxSize int) *hotIndex {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &hotIndex{
		maxSize: maxSize,
		l:       list.New(),
		m:       make(map[string]*list.Element, maxSize),
	}
}

func (q *hotIndex) add(key, v string) {
	if e, ok := q.m[key]; ok {
		e.Value.(*hotKV).v = v
		q.l.MoveToBack(e)
		return
	}
	if q.l.Len() >= q.maxSize {
		front := q.l.Front()
		delete(q.m, front.Value.(*hotKV).key)
		q.l.Remove(front)
	}
	q.m[key] = q.l.PushBack(&hotKV{key: key, v: v})
}

func (q *hotIndex) get(key string) (string, bool) {
	e, ok := q.m[key]
	if !ok {
		return "", false
	}
	q.l.MoveToBack(e)
	return e.Value.(*hotKV).v, true
}

func (q *hotIndex) del(key string) {
	if e, ok := q.m[key]; ok {
		delete(q.m, key)
		q.l.Remove(e)
	}
}

func (q *hotIndex) clear() {
	q.l.Init()
	q.m = make(map[string]*list.Element, q.maxSize)
}
