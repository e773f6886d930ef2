package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// nameLayout sorts lexicographically in time order, and has full precision so
// names parse back to the same time.
const nameLayout = "20060102T150405.000000000Z"

// MailName identifies a stored mail, and is the basename of its files. It is
// derived from the schedule time of the mail, with a sequence number to
// disambiguate mails scheduled at the same time.
type MailName struct {
	Time time.Time
	Seq  int
}

func (n MailName) IsZero() bool {
	return n.Time.IsZero() && n.Seq == 0
}

// String returns the basename, e.g. "20240301T120000.000000000Z" or
// "20240301T120000.000000000Z_2".
func (n MailName) String() string {
	s := n.Time.UTC().Format(nameLayout)
	if n.Seq > 0 {
		s += "_" + strconv.Itoa(n.Seq)
	}
	return s
}

// ParseMailName parses a basename as returned by String.
func ParseMailName(s string) (MailName, error) {
	ts, seqstr, hasSeq := strings.Cut(s, "_")
	t, err := time.Parse(nameLayout, ts)
	if err != nil {
		return MailName{}, fmt.Errorf("parsing mail name %q: %v", s, err)
	}
	var seq int
	if hasSeq {
		seq, err = strconv.Atoi(seqstr)
		if err != nil || seq <= 0 || strconv.Itoa(seq) != seqstr {
			return MailName{}, fmt.Errorf("bad sequence number in mail name %q", s)
		}
	}
	return MailName{t.UTC(), seq}, nil
}

// Compare orders names by time, then sequence number.
func (n MailName) Compare(o MailName) int {
	if c := n.Time.Compare(o.Time); c != 0 {
		return c
	}
	switch {
	case n.Seq < o.Seq:
		return -1
	case n.Seq > o.Seq:
		return 1
	}
	return 0
}

func (n MailName) Less(o MailName) bool {
	return n.Compare(o) < 0
}
