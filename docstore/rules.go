package docstore

import (
	"fmt"
	"strings"
)

// access rules, checked at commit under the engine lock
//
// The invariant the social protocol depends on: no identity can write
// inside another user's partition. Cross-partition effects must travel
// through the global signal collections instead. A rule violation is a
// programmer error, reported loudly as ErrPermissionDenied.

const (
	CollectionUsers              = "users"
	CollectionPublicProfiles     = "publicProfiles"
	CollectionUsernames          = "usernames"
	CollectionFriendRequests     = "friendRequests"
	CollectionUnfriendSignals    = "unfriendSignals"
	CollectionCloseFriendSignals = "closeFriendSignals"
)

// EdgeCollection is the per-user friends collection, owned by `userId`
func EdgeCollection(userId string) string {
	return fmt.Sprintf("users/%s/friends", userId)
}

func denied(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, a...))
}

func checkWrites(identity string, writes []WriteOp, current func(collection string, key string) (Doc, bool)) error {
	if identity == "" {
		return denied("write without identity")
	}

	writesOwnProfile := false
	for _, write := range writes {
		if write.Collection == CollectionUsers && write.Key == identity && write.Kind != writeDelete {
			writesOwnProfile = true
		}
	}

	for _, write := range writes {
		if err := checkWrite(identity, write, writesOwnProfile, current); err != nil {
			return err
		}
	}
	return nil
}

func checkWrite(identity string, write WriteOp, writesOwnProfile bool, current func(collection string, key string) (Doc, bool)) error {
	switch write.Collection {
	case CollectionUsers:
		if write.Key != identity {
			return denied("profile %s is not writable by %s", write.Key, identity)
		}
		return nil

	case CollectionPublicProfiles:
		if write.Key != identity {
			return denied("public profile %s is not writable by %s", write.Key, identity)
		}
		return nil

	case CollectionUsernames:
		return checkUsernameWrite(identity, write, writesOwnProfile, current)

	case CollectionFriendRequests:
		return checkFriendRequestWrite(identity, write, current)

	case CollectionUnfriendSignals, CollectionCloseFriendSignals:
		return checkSignalWrite(identity, write, current)
	}

	if owner, ok := edgeOwner(write.Collection); ok {
		if owner != identity {
			return denied("partition %s is not writable by %s", owner, identity)
		}
		return nil
	}

	return denied("collection %s is not writable", write.Collection)
}

func edgeOwner(collection string) (string, bool) {
	parts := strings.Split(collection, "/")
	if len(parts) == 3 && parts[0] == CollectionUsers && parts[2] == "friends" && parts[1] != "" {
		return parts[1], true
	}
	return "", false
}

// username records may only change inside the claim transaction, which
// also updates the owner's profile pointer. This keeps handle->owner
// globally consistent with the profile.
func checkUsernameWrite(identity string, write WriteOp, writesOwnProfile bool, current func(collection string, key string) (Doc, bool)) error {
	if !writesOwnProfile {
		return denied("username records change only with the owner profile")
	}
	fields, exists := current(write.Collection, write.Key)
	switch write.Kind {
	case writeDelete:
		if exists && fields.String("ownerId") != identity {
			return denied("username %s is owned by another user", write.Key)
		}
		return nil
	default:
		if exists && fields.String("ownerId") != identity {
			return denied("username %s is owned by another user", write.Key)
		}
		if write.Fields.String("ownerId") != identity {
			return denied("username owner must be the caller")
		}
		return nil
	}
}

// requests are append-only history. Creation is restricted to the sender
// in pending state; the only legal mutation afterwards is a single status
// flip by the party the state machine allows.
func checkFriendRequestWrite(identity string, write WriteOp, current func(collection string, key string) (Doc, bool)) error {
	if write.Kind == writeDelete {
		return denied("friend requests are never deleted")
	}

	fields, exists := current(write.Collection, write.Key)
	if !exists {
		if write.Fields.String("fromId") != identity {
			return denied("request sender must be the caller")
		}
		if write.Fields.String("status") != "pending" {
			return denied("new requests must be pending")
		}
		if write.Fields.String("toId") == "" {
			return denied("request recipient missing")
		}
		return nil
	}

	if fields.String("status") != "pending" {
		return denied("request %s is already settled", write.Key)
	}
	for field, value := range write.Fields {
		if field == "status" {
			continue
		}
		if fields[field] != value {
			return denied("request field %s is immutable", field)
		}
	}
	switch write.Fields.String("status") {
	case "accepted", "rejected":
		if fields.String("toId") != identity {
			return denied("only the recipient settles a request")
		}
	case "cancelled":
		if fields.String("fromId") != identity {
			return denied("only the sender cancels a request")
		}
	default:
		return denied("invalid request status %q", write.Fields.String("status"))
	}
	return nil
}

// signals are created by the sender and consumed (deleted) by the
// recipient. Deleting an already-consumed signal is allowed so replay
// after a crash stays idempotent.
func checkSignalWrite(identity string, write WriteOp, current func(collection string, key string) (Doc, bool)) error {
	fields, exists := current(write.Collection, write.Key)
	switch write.Kind {
	case writeDelete:
		if exists && fields.String("toId") != identity {
			return denied("signal %s is not addressed to %s", write.Key, identity)
		}
		return nil
	default:
		if exists {
			return denied("signals are immutable")
		}
		if write.Fields.String("fromId") != identity {
			return denied("signal sender must be the caller")
		}
		return nil
	}
}
