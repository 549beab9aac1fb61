// Package consensus decides the majority result fingerprint for a task and
// finalizes the task once every expected responder has submitted.
//
// The winner is the strictly largest fingerprint group. Ties are broken by the
// earliest first submission of each group, then by the byte order of the
// fingerprint, so the outcome is a pure function of the submissions.
package consensus

import (
	"errors"
	"time"

	"github.com/ahrav/go-avs/internal/domain"
)

// ErrNoSubmissions indicates Decide was called without any submissions.
var ErrNoSubmissions = errors.New("no submissions to decide")

// Outcome is the result of a majority decision.
type Outcome struct {
	// Winner is the consensus result fingerprint.
	Winner domain.Fingerprint

	// Count is the size of the winning group.
	Count int

	// Agreed lists the operators that submitted Winner, in arrival order.
	Agreed []domain.OperatorID

	// Dissented lists every other operator, in arrival order.
	Dissented []domain.OperatorID

	// Groups holds the size of every fingerprint group.
	Groups map[domain.Fingerprint]int
}

type group struct {
	fp        domain.Fingerprint
	size      int
	firstSeen time.Time
}

// beats reports whether g wins over other.
func (g *group) beats(other *group) bool {
	if g.size != other.size {
		return g.size > other.size
	}
	if !g.firstSeen.Equal(other.firstSeen) {
		return g.firstSeen.Before(other.firstSeen)
	}
	return g.fp.Compare(other.fp) < 0
}

// Decide groups submissions by fingerprint and picks the winner.
func Decide(submissions []domain.Submission) (Outcome, error) {
	if len(submissions) == 0 {
		return Outcome{}, ErrNoSubmissions
	}

	groups := make(map[domain.Fingerprint]*group)
	order := make([]*group, 0, len(submissions))
	for _, sub := range submissions {
		g, ok := groups[sub.ResultFingerprint]
		if !ok {
			g = &group{fp: sub.ResultFingerprint, firstSeen: sub.SubmittedAt}
			groups[sub.ResultFingerprint] = g
			order = append(order, g)
		}
		g.size++
		if sub.SubmittedAt.Before(g.firstSeen) {
			g.firstSeen = sub.SubmittedAt
		}
	}

	best := order[0]
	for _, g := range order[1:] {
		if g.beats(best) {
			best = g
		}
	}

	out := Outcome{
		Winner: best.fp,
		Count:  best.size,
		Groups: make(map[domain.Fingerprint]int, len(groups)),
	}
	for fp, g := range groups {
		out.Groups[fp] = g.size
	}
	for _, sub := range submissions {
		if sub.ResultFingerprint == best.fp {
			out.Agreed = append(out.Agreed, sub.OperatorID)
		} else {
			out.Dissented = append(out.Dissented, sub.OperatorID)
		}
	}

	return out, nil
}
