package social

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// user and document ids are ulids
// ulids from the same source order by create time. The close friend
// consumer relies on this to apply signals in emit order.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return Id{}, err
	}
	return Id(id), nil
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) IsZero() bool {
	return self == Id{}
}

// the create time encoded in the id
func (self Id) Time() time.Time {
	return ulid.Time(ulid.ULID(self).Time())
}

func (self Id) LessThan(other Id) bool {
	return ulid.ULID(self).Compare(ulid.ULID(other)) < 0
}

func (self Id) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *Id) UnmarshalText(text []byte) error {
	id, err := ParseId(string(text))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

// timestamps are stored as RFC 3339 strings so that documents survive
// json codecs unchanged
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func ParseTimestamp(timestamp string) (time.Time, error) {
	if timestamp == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	return time.Parse(time.RFC3339Nano, timestamp)
}

// document status values for friend requests
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
)
