package calendar

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// ICSProductID identifies generated feeds
const ICSProductID = "-//vehiclecheck//DVLA Reminders//EN"

var icsEscaper = strings.NewReplacer(`\`, `\\`, ";", `\;`, ",", `\,`, "\n", `\n`)

// icsLineOctets is the longest content line allowed before folding
const icsLineOctets = 75

// foldLine splits s into lines of at most icsLineOctets octets, each
// continuation starting with a single space. Runes are never split.
func foldLine(s string) string {
	if len(s) <= icsLineOctets {
		return s
	}

	var b strings.Builder
	limit := icsLineOctets
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		b.WriteString(s[:cut])
		b.WriteString("\r\n ")
		s = s[cut:]
		limit = icsLineOctets - 1
	}
	b.WriteString(s)
	return b.String()
}

// WriteICS renders events as an iCalendar feed of all-day events
func WriteICS(w io.Writer, name string, events []Event, now time.Time) error {
	bw := bufio.NewWriter(w)
	line := func(format string, args ...any) {
		bw.WriteString(foldLine(fmt.Sprintf(format, args...)))
		bw.WriteString("\r\n")
	}

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:%s", ICSProductID)
	line("X-WR-CALNAME:%s", icsEscaper.Replace(name))
	line("CALSCALE:GREGORIAN")

	stamp := now.UTC().Format("20060102T150405Z")
	for _, event := range events {
		end := event.End
		if !end.After(event.Start) {
			end = event.Start.AddDate(0, 0, 1)
		}

		line("BEGIN:VEVENT")
		line("UID:%s@vehiclecheck", EventUID(event))
		line("DTSTAMP:%s", stamp)
		line("DTSTART;VALUE=DATE:%s", event.Start.Format("20060102"))
		line("DTEND;VALUE=DATE:%s", end.Format("20060102"))
		line("SUMMARY:%s", icsEscaper.Replace(event.Summary))
		if event.Description != "" {
			line("DESCRIPTION:%s", icsEscaper.Replace(event.Description))
		}
		line("END:VEVENT")
	}

	line("END:VCALENDAR")
	return bw.Flush()
}
