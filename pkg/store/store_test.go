package store

import (
	"testing"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perps"
)

func newTestStore(t *testing.T) (*Store, database.Database) {
	t.Helper()

	db, err := OpenMemory(t.TempDir())
	require.NoError(t, err)

	level, _ := log.ToLevel("debug")
	s, err := New(db, log.NewTestLogger(level))
	require.NoError(t, err)
	return s, db
}

func TestJournalAppendAndRead(t *testing.T) {
	s, _ := newTestStore(t)
	require.Zero(t, s.NextSeq())

	events := []perps.Event{
		{Type: perps.EventPositionOpened, Market: "usdc-perp", Symbol: "BTC-PERP", PositionID: 1},
		{Type: perps.EventOrderCreated, Market: "usdc-perp", Symbol: "BTC-PERP", OrderID: 1},
		{Type: perps.EventPositionClosed, Market: "usdc-perp", Symbol: "BTC-PERP", PositionID: 1},
	}
	for i, ev := range events {
		seq, err := s.AppendEvent(ev)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	t.Run("full journal", func(t *testing.T) {
		got, err := s.ReadEvents(0, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, je := range got {
			assert.Equal(t, uint64(i), je.Seq)
			assert.Equal(t, events[i].Type, je.Event.Type)
		}
	})

	t.Run("from offset with limit", func(t *testing.T) {
		got, err := s.ReadEvents(1, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, uint64(1), got[0].Seq)
		assert.Equal(t, perps.EventOrderCreated, got[0].Event.Type)
	})

	t.Run("past the end", func(t *testing.T) {
		got, err := s.ReadEvents(10, 0)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestSequenceResumesAcrossReopen(t *testing.T) {
	s, db := newTestStore(t)

	_, err := s.AppendEvent(perps.Event{Type: perps.EventFundingUpdated, Market: "m", Symbol: "s"})
	require.NoError(t, err)
	_, err = s.AppendEvent(perps.Event{Type: perps.EventFundingUpdated, Market: "m", Symbol: "s"})
	require.NoError(t, err)

	level, _ := log.ToLevel("debug")
	reopened, err := New(db, log.NewTestLogger(level))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reopened.NextSeq())

	seq, err := reopened.AppendEvent(perps.Event{Type: perps.EventFundingUpdated, Market: "m", Symbol: "s"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestMarketInfoSnapshot(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.GetMarketInfo("usdc-perp", "BTC-PERP")
	assert.ErrorIs(t, err, database.ErrNotFound)

	info := perps.MarketInfo{
		Active:           true,
		SizeDecimals:     6,
		LongPositionSize: 1_000_000,
		NextPositionID:   2,
		NextOrderID:      3,
	}
	require.NoError(t, s.PutMarketInfo("usdc-perp", "BTC-PERP", info))

	got, err := s.GetMarketInfo("usdc-perp", "BTC-PERP")
	require.NoError(t, err)
	assert.Equal(t, info, got)
}
