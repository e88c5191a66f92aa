// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"

	"batchpress/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// LockSessionTTL is the lease TTL, in seconds, backing a run lock.
// If the holder dies the lock frees itself after this long.
const LockSessionTTL = 10

// etcdLock implements domain.Lock.
type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

// Unlock releases the lock and closes its session.
func (l *etcdLock) Unlock(ctx context.Context) error {
	defer func() {
		_ = l.session.Close()
	}()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

// etcdLocker implements domain.Locker.
type etcdLocker struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdLocker creates a locker whose keys live under {prefix}/locks/.
func NewEtcdLocker(client *clientv3.Client, prefix string) domain.Locker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &etcdLocker{client: client, prefix: prefix}
}

// Lock tries once to take the named lock.
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	// One session per lock: closing it releases the lease and the lock with it.
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, path.Join(l.prefix, "locks", name))

	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{
		mutex:   mutex,
		session: session,
		name:    name,
	}, nil
}
