package social

import (
	"flag"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"waymark.app/social/docstore"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func testReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{
		ResyncTimeout:    25 * time.Millisecond,
		SubscribeTimeout: 5 * time.Millisecond,
	}
}

func testClientSettings() *ClientSettings {
	return &ClientSettings{
		ReconcilerSettings: testReconcilerSettings(),
	}
}

// two users sharing one engine, each on its own identity handle
type testPair struct {
	memory *docstore.Memory
	u1     Id
	u2     Id
	store1 docstore.Store
	store2 docstore.Store
}

func newTestPair() *testPair {
	memory := docstore.NewMemory()
	u1 := NewId()
	u2 := NewId()
	return &testPair{
		memory: memory,
		u1:     u1,
		u2:     u2,
		store1: memory.WithIdentity(u1.String()),
		store2: memory.WithIdentity(u2.String()),
	}
}

func waitFor(t *testing.T, tag string, condition func() bool) {
	t.Helper()
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", tag)
}

func TestIdOrder(t *testing.T) {
	// signal collapse relies on ids from one source ordering by create
	// time
	a := NewId()
	for i := 0; i < 4096; i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, a.String() < b.String(), true)
		a = b
	}
}

func TestIdTextCodec(t *testing.T) {
	a := NewId()
	text, err := a.MarshalText()
	assert.Equal(t, err, nil)

	var b Id
	err = b.UnmarshalText(text)
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	parsed, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, parsed)

	_, err = ParseId("not an id")
	assert.Equal(t, err == nil, false)
}

func TestTimestampRoundTrip(t *testing.T) {
	timestamp := NowTimestamp()
	parsed, err := ParseTimestamp(timestamp)
	assert.Equal(t, err, nil)
	assert.Equal(t, time.Since(parsed) < time.Minute, true)

	_, err = ParseTimestamp("")
	assert.Equal(t, err == nil, false)
}
