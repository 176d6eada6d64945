// Package clipboard provides the clipboard backends the syncing manager reads
// from and writes inbound content to.
package clipboard

import (
	"sync"

	"github.com/imdevinc/clipbird/internal/content"
)

// Listener receives a copy of the clipboard after it changed. It may be called
// from any goroutine.
type Listener func(items []content.Item)

// Clipboard is the host clipboard contract. Set is called on the control loop
// and must not block on I/O.
type Clipboard interface {
	Get() ([]content.Item, error)
	Set(items []content.Item) error
	Subscribe(fn Listener) (unsubscribe func())
}

type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]Listener
}

func (l *listeners) subscribe(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners) notify(items []content.Item) {
	l.mu.Lock()
	fns := make([]Listener, 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(content.Clone(items))
	}
}

// Memory is an in-process clipboard. Set notifies subscribers the way a desktop
// clipboard reports every change, including ones this process made.
type Memory struct {
	mu    sync.RWMutex
	items []content.Item
	subs  listeners
}

// NewMemory creates an empty clipboard
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get() ([]content.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return content.Clone(m.items), nil
}

func (m *Memory) Set(items []content.Item) error {
	m.mu.Lock()
	m.items = content.Clone(items)
	m.mu.Unlock()

	m.subs.notify(items)
	return nil
}

func (m *Memory) Subscribe(fn Listener) func() {
	return m.subs.subscribe(fn)
}
