package social

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/golang/glog"
)

// recoverable operation errors, surfaced to the caller before any write
var (
	ErrHandleTaken    = errors.New("handle already taken")
	ErrSelfRequest    = errors.New("cannot friend yourself")
	ErrAlreadyFriends = errors.New("already friends")
	ErrRequestExists  = errors.New("pending request already exists")
)

// HandleError runs `do` and contains any panic, so that one bad snapshot
// cannot take down a consumer loop. The optional handlers receive the
// recovered error.
func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("[social]unexpected error: %s\n%s\n", r, debug.Stack())
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%s", r)
			}
			for _, handler := range handlers {
				handler(err)
			}
		}
	}()
	do()
}
