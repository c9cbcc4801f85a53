package store

import (
	"context"
	"sync"

	"github.com/gridqueue/gridqueue/pkg/element"
	"github.com/gridqueue/gridqueue/pkg/spec"
)

// Memory is a Store held in process memory.
type Memory struct {
	mtx      sync.RWMutex
	elements map[string]*element.WorkElement
	specs    map[string]*spec.Record
}

func NewMemory() *Memory {
	return &Memory{
		elements: map[string]*element.WorkElement{},
		specs:    map[string]*spec.Record{},
	}
}

func (m *Memory) Insert(_ context.Context, elements ...*element.WorkElement) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, e := range elements {
		if _, ok := m.elements[e.ID]; ok {
			return ErrExists
		}
	}
	for _, e := range elements {
		m.elements[e.ID] = e.Clone()
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*element.WorkElement, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	e, ok := m.elements[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.Clone(), nil
}

func (m *Memory) List(_ context.Context, filter Filter) ([]*element.WorkElement, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var out []*element.WorkElement
	for _, e := range m.elements {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sortElements(out)
	return out, nil
}

func (m *Memory) Update(_ context.Context, id string, fn UpdateFunc) (*element.WorkElement, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.elements[id]
	if !ok {
		return nil, notFound(id)
	}
	next, err := applyUpdate(e, fn)
	if err != nil {
		return nil, err
	}
	m.elements[id] = next
	return next.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, ids ...string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, id := range ids {
		delete(m.elements, id)
	}
	return nil
}

func (m *Memory) PutSpec(_ context.Context, rec *spec.Record) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if _, ok := m.specs[rec.Spec.Name]; ok {
		return false, nil
	}
	m.specs[rec.Spec.Name] = cloneRecord(rec)
	return true, nil
}

func (m *Memory) GetSpec(_ context.Context, name string) (*spec.Record, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	rec, ok := m.specs[name]
	if !ok {
		return nil, specNotFound(name)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) UpdateSpec(_ context.Context, name string, fn func(*spec.Record) error) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	rec, ok := m.specs[name]
	if !ok {
		return specNotFound(name)
	}
	cp := cloneRecord(rec)
	if err := fn(cp); err != nil {
		return err
	}
	m.specs[name] = cp
	return nil
}

func (m *Memory) ListSpecs(_ context.Context) ([]*spec.Record, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	out := make([]*spec.Record, 0, len(m.specs))
	for _, rec := range m.specs {
		out = append(out, cloneRecord(rec))
	}
	sortSpecs(out)
	return out, nil
}

func (m *Memory) DeleteSpec(_ context.Context, name string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.specs, name)
	return nil
}

func (m *Memory) Close() error { return nil }
