package session

// Locker is a non-blocking advisory lock.
type Locker interface {
	// TryLock acquires the lock, returning false if another holder has it.
	TryLock() (bool, error)
	Unlock() error
}
