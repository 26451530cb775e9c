package locks

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jotsync/jotsync/internal/utils"
)

type LockType string

const (
	LockTypeSync      LockType = "sync"
	LockTypeExclusive LockType = "exclusive"
)

type ClientType string

const (
	ClientTypeDesktop ClientType = "desktop"
	ClientTypeMobile  ClientType = "mobile"
	ClientTypeCLI     ClientType = "cli"
	ClientTypeServer  ClientType = "server"
)

// Dir is the remote directory holding lock files.
const Dir = "locks"

var ErrLockLost = errors.New("lock lost")

// Lock is the content of a lock file. UpdatedTime is in milliseconds.
type Lock struct {
	Type        LockType   `json:"type"`
	ClientType  ClientType `json:"clientType"`
	ClientID    string     `json:"clientId"`
	UpdatedTime int64      `json:"updated_time"`
}

func (l Lock) String() string {
	return fmt.Sprintf("%s lock of %s client %s", l.Type, l.ClientType, l.ClientID)
}

// Path returns the remote lock file path for a lock type and client.
func Path(lockType LockType, clientID string) string {
	return Dir + "/" + fileName(lockType, clientID)
}

func fileName(lockType LockType, clientID string) string {
	return string(lockType) + "_" + clientID + ".json"
}

func parseLock(data []byte) (*Lock, error) {
	var l Lock
	if err := utils.JSONUnmarshal(data, &l); err != nil {
		return nil, err
	}
	if l.Type != LockTypeSync && l.Type != LockTypeExclusive {
		return nil, fmt.Errorf("unknown lock type %q", l.Type)
	}
	if l.ClientID == "" || l.UpdatedTime <= 0 {
		return nil, errors.New("incomplete lock")
	}
	return &l, nil
}

// LockExpiredError is returned when a lock could not be acquired in time
// because another client holds a live, incompatible lock.
type LockExpiredError struct {
	Type    LockType
	Timeout time.Duration
	Holder  *Lock
}

func (e *LockExpiredError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "could not acquire %s lock", e.Type)
	if e.Timeout > 0 {
		fmt.Fprintf(&b, " within %s", e.Timeout)
	}
	if e.Holder != nil {
		fmt.Fprintf(&b, ": target is locked by %s", e.Holder)
	}
	return b.String()
}
