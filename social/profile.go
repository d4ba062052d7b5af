package social

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang/glog"

	"waymark.app/social/docstore"
)

// profiles and the username registry
//
// The profile document lives in the owner's partition. On every save a
// read-only snapshot is mirrored into the global publicProfiles
// collection, which is what other users' edges snapshot from.

const claimRetryCount = 4

var handleRe = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

type Profile struct {
	Id          Id
	DisplayName string
	Handle      string
	Bio         string
	PhotoRef    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PublicProfile struct {
	Id          Id
	DisplayName string
	Handle      string
	Bio         string
	PhotoRef    string
}

type ProfileRegistry struct {
	store docstore.Store
	self  Id
}

func NewProfileRegistry(store docstore.Store, self Id) *ProfileRegistry {
	return &ProfileRegistry{
		store: store,
		self:  self,
	}
}

// EnsureProfile creates the caller's profile document with defaults on
// first session. Idempotent.
func (self *ProfileRegistry) EnsureProfile(ctx context.Context) error {
	_, err := self.store.Get(ctx, docstore.CollectionUsers, self.self.String())
	if err == nil {
		return nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	now := NowTimestamp()
	return self.store.Set(ctx, docstore.CollectionUsers, self.self.String(), docstore.Doc{
		"displayName": "",
		"handle":      "",
		"bio":         "",
		"photoRef":    "",
		"createdAt":   now,
		"updatedAt":   now,
	}, true)
}

func (self *ProfileRegistry) LoadProfile(ctx context.Context) (*Profile, error) {
	fields, err := self.store.Get(ctx, docstore.CollectionUsers, self.self.String())
	if err != nil {
		return nil, err
	}
	return profileFromDoc(self.self, fields), nil
}

// SaveProfile updates the caller's profile and mirrors the public
// snapshot
func (self *ProfileRegistry) SaveProfile(ctx context.Context, displayName string, bio string, photoRef string) error {
	now := NowTimestamp()
	fields := docstore.Doc{
		"displayName": strings.TrimSpace(displayName),
		"bio":         strings.TrimSpace(bio),
		"photoRef":    photoRef,
		"updatedAt":   now,
	}
	if err := self.store.Set(ctx, docstore.CollectionUsers, self.self.String(), fields, true); err != nil {
		return err
	}
	return self.store.Set(ctx, docstore.CollectionPublicProfiles, self.self.String(), fields, true)
}

func (self *ProfileRegistry) PublicProfile(ctx context.Context, userId Id) (*PublicProfile, error) {
	fields, err := self.store.Get(ctx, docstore.CollectionPublicProfiles, userId.String())
	if err != nil {
		return nil, err
	}
	return &PublicProfile{
		Id:          userId,
		DisplayName: fields.String("displayName"),
		Handle:      fields.String("handle"),
		Bio:         fields.String("bio"),
		PhotoRef:    fields.String("photoRef"),
	}, nil
}

// FindByHandle resolves a handle through the username registry
func (self *ProfileRegistry) FindByHandle(ctx context.Context, handle string) (Id, error) {
	record, err := self.store.Get(ctx, docstore.CollectionUsernames, NormalizeHandle(handle))
	if err != nil {
		return Id{}, err
	}
	return ParseId(record.String("ownerId"))
}

func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// ClaimHandle atomically points `handle` at the caller: it writes the
// new username record, removes the caller's old record if any, and
// updates the profile pointer, all in one transaction. Two concurrent
// claims for one handle end with exactly one winner; the loser fails
// with ErrHandleTaken and keeps its prior handle.
func (self *ProfileRegistry) ClaimHandle(ctx context.Context, handle string) error {
	handle = NormalizeHandle(handle)
	if !handleRe.MatchString(handle) {
		return fmt.Errorf("invalid handle %q", handle)
	}

	selfKey := self.self.String()
	claim := func() error {
		return self.store.RunTransaction(ctx, func(tx *docstore.Tx) error {
			currentHandle := ""
			profile, err := tx.Get(docstore.CollectionUsers, selfKey)
			if err == nil {
				currentHandle = profile.String("handle")
			} else if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}
			if currentHandle == handle {
				return nil
			}

			record, err := tx.Get(docstore.CollectionUsernames, handle)
			if err == nil {
				if record.String("ownerId") != selfKey {
					return ErrHandleTaken
				}
			} else if !errors.Is(err, docstore.ErrNotFound) {
				return err
			}

			now := NowTimestamp()
			tx.Set(docstore.CollectionUsernames, handle, docstore.Doc{
				"ownerId": selfKey,
			}, false)
			if currentHandle != "" {
				tx.Delete(docstore.CollectionUsernames, currentHandle)
			}
			tx.Set(docstore.CollectionUsers, selfKey, docstore.Doc{
				"handle":    handle,
				"updatedAt": now,
			}, true)
			tx.Set(docstore.CollectionPublicProfiles, selfKey, docstore.Doc{
				"handle":    handle,
				"updatedAt": now,
			}, true)
			return nil
		})
	}

	var err error
	for i := 0; i < claimRetryCount; i += 1 {
		err = claim()
		if !errors.Is(err, docstore.ErrConflict) {
			return err
		}
		// contended, retry with fresh reads
		glog.V(1).Infof("[profile]claim %s conflict, retry\n", handle)
	}
	return err
}

func profileFromDoc(id Id, fields docstore.Doc) *Profile {
	profile := &Profile{
		Id:          id,
		DisplayName: fields.String("displayName"),
		Handle:      fields.String("handle"),
		Bio:         fields.String("bio"),
		PhotoRef:    fields.String("photoRef"),
	}
	if createdAt, err := ParseTimestamp(fields.String("createdAt")); err == nil {
		profile.CreatedAt = createdAt
	}
	if updatedAt, err := ParseTimestamp(fields.String("updatedAt")); err == nil {
		profile.UpdatedAt = updatedAt
	}
	return profile
}
