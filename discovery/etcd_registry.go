package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry backs Registry with etcd's lease+keepalive primitives: a
// registered Instance disappears automatically if its owning process dies
// without calling Deregister, the same failure-detection story
// BX-D-mini-RPC's registry/etcd_registry.go relied on.
type EtcdRegistry struct {
	cli    *clientv3.Client
	prefix string

	mu      sync.Mutex
	leases  map[string]clientv3.LeaseID
	cancels map[string]context.CancelFunc
}

// NewEtcdRegistry dials etcd at the given endpoints. prefix namespaces all
// keys this registry touches (e.g. "/connectd/services/").
func NewEtcdRegistry(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: dial etcd: %w", err)
	}
	return &EtcdRegistry{
		cli:     cli,
		prefix:  prefix,
		leases:  make(map[string]clientv3.LeaseID),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

func (r *EtcdRegistry) key(serviceName, addr string) string {
	return r.prefix + serviceName + "/" + addr
}

// Register puts inst under a 10s TTL lease and keeps it alive until
// Deregister or Close is called; cancelling ctx does not stop the
// keepalive.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, inst Instance) error {
	lease, err := r.cli.Grant(ctx, 10)
	if err != nil {
		return fmt.Errorf("discovery: grant lease: %w", err)
	}

	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("discovery: marshal instance: %w", err)
	}

	key := r.key(serviceName, inst.Addr)
	if _, err := r.cli.Put(ctx, key, string(body), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: put instance: %w", err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := r.cli.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("discovery: keepalive: %w", err)
	}
	go func() {
		for range keepAlive {
			// drain responses; etcd client requires the channel be consumed
		}
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.cancels[key] = cancel
	r.mu.Unlock()
	return nil
}

// Deregister stops the keepalive and revokes the lease, removing inst
// immediately instead of waiting out the TTL.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, inst Instance) error {
	key := r.key(serviceName, inst.Addr)

	r.mu.Lock()
	lease, ok := r.leases[key]
	cancel := r.cancels[key]
	delete(r.leases, key)
	delete(r.cancels, key)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !ok {
		return nil
	}
	_, err := r.cli.Revoke(ctx, lease)
	return err
}

// Watch resolves serviceName's current instance list, then pushes an
// updated snapshot on every put/delete under its prefix until ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) (<-chan []Instance, error) {
	prefix := r.prefix + serviceName + "/"
	out := make(chan []Instance, 1)

	snapshot := func() ([]Instance, error) {
		resp, err := r.cli.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return nil, err
		}
		instances := make([]Instance, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			var inst Instance
			if err := json.Unmarshal(kv.Value, &inst); err != nil {
				continue
			}
			instances = append(instances, inst)
		}
		return instances, nil
	}

	initial, err := snapshot()
	if err != nil {
		close(out)
		return nil, fmt.Errorf("discovery: initial watch snapshot: %w", err)
	}
	out <- initial

	watchCh := r.cli.Watch(ctx, prefix, clientv3.WithPrefix())
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watchCh:
				if !ok {
					return
				}
				updated, err := snapshot()
				if err != nil {
					continue
				}
				select {
				case out <- updated:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases all outstanding leases' keepalive goroutines and shuts
// down the underlying etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.leases = make(map[string]clientv3.LeaseID)
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	return r.cli.Close()
}
