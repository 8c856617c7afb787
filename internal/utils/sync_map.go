package utils

import "sync"

// SyncMapWrapper is a typed sync.Map.
type SyncMapWrapper[K comparable, V any] struct {
	sm sync.Map
}

func NewSyncMapWrapper[K comparable, V any]() *SyncMapWrapper[K, V] {
	return &SyncMapWrapper[K, V]{}
}

func (sw *SyncMapWrapper[K, V]) Store(key K, value V) {
	sw.sm.Store(key, value)
}

func (sw *SyncMapWrapper[K, V]) Load(key K) (V, bool) {
	val, ok := sw.sm.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(V), true
}

// CompareAndDelete removes key only while it still maps to old.
func (sw *SyncMapWrapper[K, V]) CompareAndDelete(key K, old V) bool {
	return sw.sm.CompareAndDelete(key, old)
}

func (sw *SyncMapWrapper[K, V]) Range(f func(key K, value V) bool) {
	sw.sm.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
