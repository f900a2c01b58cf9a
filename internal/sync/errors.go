package sync

import "errors"

var (
	// ErrConfig: the run could not be set up from its configuration.
	ErrConfig = errors.New("configuration error")
	// ErrLockHeld: another run owns the local root. Nothing was touched.
	ErrLockHeld = errors.New("another sync is running on this root")
	// ErrTransport: the remote could not be listed or was lost mid-run.
	ErrTransport = errors.New("remote transport failed")
	// ErrFailed: any other failure that prevented a commit.
	ErrFailed = errors.New("sync failed")

	ErrConflictUnresolved = errors.New("conflict left unresolved")
)
