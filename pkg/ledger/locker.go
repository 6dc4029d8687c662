package ledger

import (
	"context"
	"sync"
)

// DistributedLocker serializes work on a key across processes.
type DistributedLocker interface {
	Lock(ctx context.Context, key string) (unlock func(context.Context) error, err error)
}

// accountLocker hands out one mutex per account, dropped once nobody holds or waits on it.
type accountLocker struct {
	mutex sync.Mutex
	locks map[AccountID]*accountLock
}

type accountLock struct {
	mutex sync.Mutex
	refs  int
}

func newAccountLocker() *accountLocker {
	return &accountLocker{locks: make(map[AccountID]*accountLock)}
}

func (locker *accountLocker) lock(accountID AccountID) func() {
	locker.mutex.Lock()
	lock, exists := locker.locks[accountID]
	if !exists {
		lock = &accountLock{}
		locker.locks[accountID] = lock
	}
	lock.refs++
	locker.mutex.Unlock()

	lock.mutex.Lock()
	return func() {
		lock.mutex.Unlock()
		locker.mutex.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(locker.locks, accountID)
		}
		locker.mutex.Unlock()
	}
}

func accountLockKey(accountID AccountID) string {
	return accountLockKeyPrefix + accountID.String()
}
