// Package quotes holds the time-indexed quote collection. The index is
// immutable after load; reloads build a fresh index and swap it in
// atomically so the refresh loop never sees a partial rebuild.
package quotes

import (
	"bufio"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/terribilis/litclock2/internal/config"
)

// Rating classifies a quote for content filtering.
type Rating string

const (
	RatingSFW  Rating = "sfw"
	RatingNSFW Rating = "nsfw"
)

// Entry is a single quote bound to a clock minute. TimeKey is the HH:MM
// lookup key; DisplayTime is the human phrasing rendered on screen
// ("a quarter to two" vs "13:45").
type Entry struct {
	TimeKey     string `json:"time_key"`
	DisplayTime string `json:"display_time"`
	Quote       string `json:"quote"`
	Book        string `json:"book,omitempty"`
	Author      string `json:"author,omitempty"`
	Rating      Rating `json:"rating"`
}

// ErrNoMatch is returned by Lookup when no entry for the minute passes
// the active content filter.
var ErrNoMatch = errors.New("quotes: no quote for this minute under current filter")

// fieldCount is the record shape: HH:MM|DisplayTime|Quote|Book|Author|Rating.
const fieldCount = 6

// Index maps time keys to their candidate entries. It is never mutated
// after Load returns.
type Index struct {
	byTime map[string][]Entry
	// seed is captured once per load and mixed into the tie-break hash,
	// giving variety across reloads while staying reproducible within
	// one index snapshot.
	seed uint64

	total     int
	malformed int
}

// LoadFile builds an index from a pipe-delimited file.
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("quotes: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load builds an index from pipe-delimited records, one per line:
//
//	HH:MM|DisplayTime|QuoteText|BookTitle|Author|Rating
//
// A malformed line (wrong field count, bad time key, unknown rating) is
// skipped and counted; it never aborts the load.
func Load(r io.Reader) (*Index, error) {
	idx := &Index{
		byTime: make(map[string][]Entry),
		seed:   rand.Uint64(),
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := parseRecord(line)
		if err != nil {
			idx.malformed++
			continue
		}
		idx.byTime[entry.TimeKey] = append(idx.byTime[entry.TimeKey], entry)
		idx.total++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("quotes: read source: %w", err)
	}
	return idx, nil
}

func parseRecord(line string) (Entry, error) {
	fields := strings.Split(line, "|")
	if len(fields) != fieldCount {
		return Entry{}, fmt.Errorf("quotes: expected %d fields, got %d", fieldCount, len(fields))
	}

	key := strings.TrimSpace(fields[0])
	if !validTimeKey(key) {
		return Entry{}, fmt.Errorf("quotes: invalid time key %q", key)
	}

	rating := Rating(strings.ToLower(strings.TrimSpace(fields[5])))
	switch rating {
	case RatingSFW, RatingNSFW:
	default:
		return Entry{}, fmt.Errorf("quotes: unknown rating %q", fields[5])
	}

	quote := strings.TrimSpace(fields[2])
	if quote == "" {
		return Entry{}, errors.New("quotes: empty quote text")
	}

	display := strings.TrimSpace(fields[1])
	if display == "" {
		display = key
	}

	return Entry{
		TimeKey:     key,
		DisplayTime: display,
		Quote:       quote,
		Book:        strings.TrimSpace(fields[3]),
		Author:      strings.TrimSpace(fields[4]),
		Rating:      rating,
	}, nil
}

func validTimeKey(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	_, err := time.Parse("15:04", s)
	return err == nil
}

// Lookup returns the entry selected for the given minute, or ErrNoMatch
// when nothing passes the filter. With several candidates the choice is
// a stable pseudo-random pick: FNV-1a over the time key mixed with the
// load-time seed, so a fixed (time, filter, snapshot) triple always
// yields the same quote.
func (idx *Index) Lookup(timeKey string, filter config.ContentFilter) (Entry, error) {
	candidates := idx.byTime[timeKey]
	if len(candidates) == 0 {
		return Entry{}, ErrNoMatch
	}

	eligible := candidates[:0:0]
	for _, e := range candidates {
		if passesFilter(e.Rating, filter) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return Entry{}, ErrNoMatch
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(timeKey))
	pick := (h.Sum64() ^ idx.seed) % uint64(len(eligible))
	return eligible[pick], nil
}

func passesFilter(r Rating, filter config.ContentFilter) bool {
	switch filter {
	case config.FilterSFW:
		return r == RatingSFW
	case config.FilterNSFW:
		return r == RatingNSFW
	default:
		return true
	}
}

// TimeKeys returns all indexed keys in ascending order.
func (idx *Index) TimeKeys() []string {
	keys := make([]string, 0, len(idx.byTime))
	for k := range idx.byTime {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns the candidates registered under a key.
func (idx *Index) Entries(timeKey string) []Entry {
	return idx.byTime[timeKey]
}

// Len is the number of well-formed entries loaded.
func (idx *Index) Len() int { return idx.total }

// Malformed is the number of records skipped during load.
func (idx *Index) Malformed() int { return idx.malformed }
