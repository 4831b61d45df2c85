package discovery

import (
	"context"
	"testing"
)

func TestMemoryRegistryRegisterAndWatch(t *testing.T) {
	reg := newMemoryRegistry()
	ctx := context.Background()

	if err := reg.Register(ctx, "echo", Instance{Addr: "127.0.0.1:9001", Weight: 10}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ch, err := reg.Watch(ctx, "echo")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	snapshot := <-ch
	if len(snapshot) != 1 || snapshot[0].Addr != "127.0.0.1:9001" {
		t.Fatalf("expected one instance, got %v", snapshot)
	}

	if err := reg.Deregister(ctx, "echo", Instance{Addr: "127.0.0.1:9001"}); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	updated := <-ch
	if len(updated) != 0 {
		t.Fatalf("expected no instances after deregister, got %v", updated)
	}
}

// memoryRegistry is a minimal in-process Registry used to verify code that
// depends on the interface without requiring a live etcd cluster.
type memoryRegistry struct {
	instances map[string][]Instance
	watchers  map[string][]chan []Instance
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{
		instances: make(map[string][]Instance),
		watchers:  make(map[string][]chan []Instance),
	}
}

func (m *memoryRegistry) Register(ctx context.Context, serviceName string, inst Instance) error {
	m.instances[serviceName] = append(m.instances[serviceName], inst)
	m.notify(serviceName)
	return nil
}

func (m *memoryRegistry) Deregister(ctx context.Context, serviceName string, inst Instance) error {
	var kept []Instance
	for _, i := range m.instances[serviceName] {
		if i.Addr != inst.Addr {
			kept = append(kept, i)
		}
	}
	m.instances[serviceName] = kept
	m.notify(serviceName)
	return nil
}

func (m *memoryRegistry) Watch(ctx context.Context, serviceName string) (<-chan []Instance, error) {
	ch := make(chan []Instance, 1)
	ch <- append([]Instance(nil), m.instances[serviceName]...)
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	return ch, nil
}

func (m *memoryRegistry) notify(serviceName string) {
	for _, ch := range m.watchers[serviceName] {
		select {
		case ch <- append([]Instance(nil), m.instances[serviceName]...):
		default:
		}
	}
}

func (m *memoryRegistry) Close() error { return nil }

var _ Registry = (*memoryRegistry)(nil)
