package database

import "fmt"

// NamespaceLockedError reports that another instance currently holds the
// namespace lock and the lease has not yet expired.
type NamespaceLockedError struct {
	Namespace   string
	MsUntilFree int64
}

func (e *NamespaceLockedError) Error() string {
	return fmt.Sprintf("database: namespace %q is locked (lease expires in %dms)", e.Namespace, e.MsUntilFree)
}

// IsNamespaceLocked reports whether err is a NamespaceLockedError.
func IsNamespaceLocked(err error) bool {
	_, ok := err.(*NamespaceLockedError)
	return ok
}
