package smtp

import (
	"fmt"
	"strconv"
)

// Status is an SMTP reply code with an enhanced status code and text. It
// classifies the outcome of a delivery attempt, for a whole mail or a single
// recipient.
type Status struct {
	Code   int    // E.g. 451.
	Secode string // Enhanced status code without class, e.g. "4.1" for 4.4.1.
	Text   string
}

// Statusf returns a status with a formatted text.
func Statusf(code int, secode string, format string, args ...any) Status {
	return Status{code, secode, fmt.Sprintf(format, args...)}
}

// Permanent returns whether the status is a 5xx failure. All other codes,
// including an unknown (zero) code, are treated as retryable.
func (s Status) Permanent() bool {
	return s.Code/100 == 5
}

// Enhanced returns the full enhanced status code, e.g. "5.1.1". The class is
// taken from the reply code.
func (s Status) Enhanced() string {
	class := s.Code / 100
	if class != 2 && class != 4 && class != 5 {
		class = 4
	}
	secode := s.Secode
	if secode == "" {
		secode = SeOther00
	}
	return fmt.Sprintf("%d.%s", class, secode)
}

// String returns a reply line as it would appear in an SMTP transcript,
// e.g. "550 5.1.1 no such user".
func (s Status) String() string {
	r := strconv.Itoa(s.Code) + " " + s.Enhanced()
	if s.Text != "" {
		r += " " + s.Text
	}
	return r
}
