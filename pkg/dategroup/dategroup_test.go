package dategroup

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatcore/pkg/chat"
)

var now = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

func at(day, hour int) time.Time {
	return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "Today", Label(at(15, 0), now, English))
	assert.Equal(t, "Today", Label(at(15, 23), now, English))
	assert.Equal(t, "Yesterday", Label(at(14, 12), now, English))
	assert.Equal(t, "March 13, 2024", Label(at(13, 12), now, English))

	assert.Equal(t, "Сегодня", Label(at(15, 1), now, Russian))
	assert.Equal(t, "Вчера", Label(at(14, 1), now, Russian))
	assert.Equal(t, "1 марта 2024 г.", Label(at(1, 1), now, Russian))
}

func TestLabelAcrossMonthBoundary(t *testing.T) {
	first := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "Yesterday", Label(time.Date(2024, 2, 29, 22, 0, 0, 0, time.UTC), first, English))
}

func TestLabelUsesReferenceLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ref := time.Date(2024, 3, 15, 1, 0, 0, 0, loc)
	// 23:00 UTC on the 14th is 02:00 on the 15th in UTC+3.
	assert.Equal(t, "Today", Label(time.Date(2024, 3, 14, 23, 0, 0, 0, time.UTC), ref, English))
}

func TestGroupEmpty(t *testing.T) {
	assert.Empty(t, Group(nil, now, English))
}

func TestGroup(t *testing.T) {
	msgs := []chat.Message{
		{ID: "1", Timestamp: at(10, 9)},
		{ID: "2", Timestamp: at(10, 18)},
		{ID: "3", Timestamp: at(14, 8)},
		{ID: "4", Timestamp: at(15, 7)},
		{ID: "5", Timestamp: at(15, 9)},
	}
	buckets := Group(msgs, now, English)
	require.Len(t, buckets, 3)
	assert.Equal(t, "March 10, 2024", buckets[0].Label)
	assert.Len(t, buckets[0].Messages, 2)
	assert.Equal(t, "Yesterday", buckets[1].Label)
	assert.Equal(t, "Today", buckets[2].Label)
	assert.Equal(t, "1", msgs[0].ID, "input must not be modified")
}

func TestGroupConcatenationPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for iter := range 50 {
		n := 1 + rng.IntN(40)
		msgs := make([]chat.Message, n)
		ts := now.AddDate(0, 0, -10)
		for i := range msgs {
			ts = ts.Add(time.Duration(rng.IntN(20)) * time.Hour)
			msgs[i] = chat.Message{ID: fmt.Sprintf("%d-%d", iter, i), Timestamp: ts}
		}

		var flat []chat.Message
		for _, b := range Group(msgs, now, English) {
			require.NotEmpty(t, b.Messages)
			for _, m := range b.Messages {
				assert.Equal(t, b.Label, Label(m.Timestamp, now, English))
			}
			flat = append(flat, b.Messages...)
		}
		assert.Equal(t, msgs, flat)
	}
}

func TestForLocale(t *testing.T) {
	assert.Equal(t, "Вчера", ForLocale("ru").Yesterday)
	assert.Equal(t, "Yesterday", ForLocale("de").Yesterday)
}

func TestLabelWithoutDateFormat(t *testing.T) {
	labels := Labels{Today: "Today", Yesterday: "Yesterday"}
	assert.Equal(t, English.Date(at(1, 8)), Label(at(1, 8), now, labels))
	buckets := Group([]chat.Message{{ID: "a", Timestamp: at(2, 8)}}, now, Labels{})
	require.Len(t, buckets, 1)
	assert.Equal(t, "March 2, 2024", buckets[0].Label)
}
