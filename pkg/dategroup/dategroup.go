// Package dategroup splits an ordered message list into same-day buckets.
package dategroup

import (
	"fmt"
	"time"

	"github.com/lrhodin/chatcore/pkg/chat"
)

// Labels renders day headings.
type Labels struct {
	Today     string
	Yesterday string
	// Date formats any other day.
	Date func(t time.Time) string
}

var English = Labels{
	Today:     "Today",
	Yesterday: "Yesterday",
	Date: func(t time.Time) string {
		return t.Format("January 2, 2006")
	},
}

var russianMonths = [...]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

var Russian = Labels{
	Today:     "Сегодня",
	Yesterday: "Вчера",
	Date: func(t time.Time) string {
		return fmt.Sprintf("%d %s %d г.", t.Day(), russianMonths[t.Month()-1], t.Year())
	},
}

// ForLocale returns the label set for a locale code, defaulting to English.
func ForLocale(locale string) Labels {
	switch locale {
	case "ru", "ru-RU", "ru_RU":
		return Russian
	default:
		return English
	}
}

type Bucket struct {
	Label    string
	Messages []chat.Message
}

// Label names the calendar day of t relative to now. Days are compared in
// now's location.
func Label(t, now time.Time, labels Labels) string {
	t = t.In(now.Location())
	y, m, d := t.Date()
	ny, nm, nd := now.Date()
	if y == ny && m == nm && d == nd {
		return labels.Today
	}
	yy, ym, yd := now.AddDate(0, 0, -1).Date()
	if y == yy && m == ym && d == yd {
		return labels.Yesterday
	}
	if labels.Date == nil {
		return English.Date(t)
	}
	return labels.Date(t)
}

// Group walks msgs once and starts a new bucket whenever the label changes.
// msgs is not modified.
func Group(msgs []chat.Message, now time.Time, labels Labels) []Bucket {
	var buckets []Bucket
	for _, msg := range msgs {
		label := Label(msg.Timestamp, now, labels)
		if n := len(buckets); n > 0 && buckets[n-1].Label == label {
			buckets[n-1].Messages = append(buckets[n-1].Messages, msg)
			continue
		}
		buckets = append(buckets, Bucket{Label: label, Messages: []chat.Message{msg}})
	}
	return buckets
}
