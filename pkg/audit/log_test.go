package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	ID     uint64 `json:"id"`
	Amount int64  `json:"amount"`
}

func (testEvent) EventName() string { return "TestEvent" }

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func TestLog_AppendAndVerify(t *testing.T) {
	l := NewLog().WithClock(fixedClock())
	ctx := context.Background()

	require.NoError(t, l.Emit(ctx, testEvent{ID: 1, Amount: 100}))
	require.NoError(t, l.Emit(ctx, testEvent{ID: 2, Amount: 200}))

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, GenesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].Hash, entries[1].PrevHash)
	assert.Equal(t, entries[1].Hash, l.Head())
	assert.Equal(t, uint64(2), entries[1].Sequence)
	assert.JSONEq(t, `{"amount":200,"id":2}`, string(entries[1].Payload))
	assert.NoError(t, l.Verify())
}

func TestVerifyEntries_DetectsTampering(t *testing.T) {
	l := NewLog().WithClock(fixedClock())
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, l.Emit(ctx, testEvent{ID: i, Amount: 10}))
	}

	edited := l.Entries()
	edited[1].Payload = json.RawMessage(`{"amount":9999,"id":2}`)
	assert.ErrorIs(t, VerifyEntries(edited), ErrChainBroken)

	dropped := l.Entries()
	dropped = append(dropped[:1], dropped[2:]...)
	assert.ErrorIs(t, VerifyEntries(dropped), ErrChainBroken)

	swapped := l.Entries()
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.ErrorIs(t, VerifyEntries(swapped), ErrChainBroken)
}

func TestLog_Named(t *testing.T) {
	l := NewLog()
	ctx := context.Background()
	require.NoError(t, l.Emit(ctx, testEvent{ID: 1}))

	assert.Len(t, l.Named("TestEvent"), 1)
	assert.Empty(t, l.Named("Other"))
}

type failingSink struct{}

func (failingSink) Write(context.Context, Entry) error { return errors.New("disk full") }

func TestLog_SinkFailureDoesNotAppend(t *testing.T) {
	l := NewLog().WithSink(failingSink{})

	err := l.Emit(context.Background(), testEvent{ID: 1})
	require.Error(t, err)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, GenesisHash, l.Head())
}

func TestSQLiteSink_RoundTripAndResume(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	sink, err := NewSQLiteSink(db)
	require.NoError(t, err)

	ctx := context.Background()
	l := NewLog().WithSink(sink)
	require.NoError(t, l.Emit(ctx, testEvent{ID: 1, Amount: 5}))
	require.NoError(t, l.Emit(ctx, testEvent{ID: 2, Amount: 6}))

	loaded, err := sink.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.NoError(t, VerifyEntries(loaded))

	resumed := NewLog().WithSink(sink)
	require.NoError(t, resumed.Resume(loaded))
	require.NoError(t, resumed.Emit(ctx, testEvent{ID: 3, Amount: 7}))
	assert.Equal(t, loaded[1].Hash, resumed.Entries()[2].PrevHash)
	assert.NoError(t, resumed.Verify())
}

func TestDigest_Text(t *testing.T) {
	d := Keccak256([]byte(""))
	// Keccak-256 of the empty string.
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", d.String())

	var parsed Digest
	require.NoError(t, parsed.UnmarshalText([]byte(d.String())))
	assert.Equal(t, d, parsed)

	_, err := ParseDigest("0x1234")
	assert.Error(t, err)
	assert.True(t, Digest{}.IsZero())
}

func TestCanonicalDigest_OrderIndependent(t *testing.T) {
	a, err := CanonicalDigest(map[string]any{"price": 100, "item": "widget"})
	require.NoError(t, err)
	b, err := CanonicalDigest(json.RawMessage(`{ "item":"widget","price":100 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}
