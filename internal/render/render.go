// Package render turns an upstream snapshot and a filter state into panel
// output. Rendering is a pure function: no side effects, safe to invoke
// speculatively for a render that may later be discarded.
package render

import (
	"fmt"
	"strings"
	"time"

	"statboard/internal/domain"
	"statboard/internal/filter"
)

// Status is a one-way progress port the renderer may call zero or more times
// before returning. It must never be used to commit state; only the gated
// completion path in the dispatcher does that.
type Status func(stage string)

// Aggregates are the numeric results shown on a panel.
type Aggregates struct {
	Matches  int     `json:"matches"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
	WinRate  float64 `json:"win_rate"`
	AvgScore float64 `json:"avg_score"`
}

// Output is one rendered panel body.
type Output struct {
	SVG     []byte     `json:"-"`
	Summary Aggregates `json:"summary"`
}

// Func is the render collaborator signature the dispatcher depends on.
type Func func(snap *domain.Snapshot, state filter.State, status Status) (Output, error)

// Panel renders the stat visualization for a snapshot under a filter state.
// A nil or empty snapshot renders a valid "no data" panel rather than
// failing, so a retained session with an empty snapshot still has output.
func Panel(snap *domain.Snapshot, state filter.State, status Status) (Output, error) {
	report := func(stage string) {
		if status != nil {
			status(stage)
		}
	}

	report("filtering")
	matches := selectMatches(snap, state)

	report("aggregating")
	agg := aggregate(matches)

	report("drawing")
	svg := drawSVG(snap, state, agg)

	return Output{SVG: svg, Summary: agg}, nil
}

// selectMatches applies the filter state to the snapshot's match list.
func selectMatches(snap *domain.Snapshot, state filter.State) []domain.MatchRecord {
	if snap == nil {
		return nil
	}
	cutoff := windowCutoff(state.Time)
	out := make([]domain.MatchRecord, 0, len(snap.Matches))
	for _, m := range snap.Matches {
		if !cutoff.IsZero() && m.PlayedAt.Before(cutoff) {
			continue
		}
		if !queueMatches(m, state.Queue) {
			continue
		}
		if !sizeMatches(m, state.Size) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func windowCutoff(tw filter.TimeWindow) time.Time {
	now := time.Now()
	switch tw {
	case filter.TimeWeek:
		return now.AddDate(0, 0, -7)
	case filter.TimeSeason:
		return now.AddDate(0, -3, 0)
	default:
		return time.Time{}
	}
}

func queueMatches(m domain.MatchRecord, qm filter.QueueMode) bool {
	switch qm {
	case filter.QueueSolo:
		return m.Queue == "solo"
	case filter.QueueGroup:
		return m.Queue == "group"
	default:
		return true
	}
}

func sizeMatches(m domain.MatchRecord, gs filter.GroupSize) bool {
	switch gs {
	case filter.SizeSmall:
		return m.PartySize <= 2
	case filter.SizeLarge:
		return m.PartySize >= 3
	default:
		return true
	}
}

func aggregate(matches []domain.MatchRecord) Aggregates {
	agg := Aggregates{Matches: len(matches)}
	scoreTotal := 0
	for _, m := range matches {
		if m.Won {
			agg.Wins++
		} else {
			agg.Losses++
		}
		scoreTotal += m.Score
	}
	if agg.Matches > 0 {
		agg.WinRate = float64(agg.Wins) / float64(agg.Matches)
		agg.AvgScore = float64(scoreTotal) / float64(agg.Matches)
	}
	return agg
}

const (
	svgWidth  = 420
	svgHeight = 180
	barMaxW   = 300
)

// drawSVG produces a small win/loss bar chart with a caption line.
func drawSVG(snap *domain.Snapshot, state filter.State, agg Aggregates) []byte {
	title := "unknown player"
	if snap != nil && snap.Profile != nil && snap.Profile.Name != "" {
		title = snap.Profile.Name
	}
	caption := fmt.Sprintf("%s: %s / %s / %s", title, state.Time, state.Queue, state.Size)

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d">`, svgWidth, svgHeight)
	fmt.Fprintf(&b, `<text x="12" y="24" font-size="14">%s</text>`, escapeText(caption))

	if agg.Matches == 0 {
		b.WriteString(`<text x="12" y="96" font-size="13">no matches in this window</text>`)
	} else {
		winW := barMaxW * agg.Wins / agg.Matches
		lossW := barMaxW - winW
		fmt.Fprintf(&b, `<rect x="12" y="56" width="%d" height="28" fill="#3fa34d"/>`, winW)
		fmt.Fprintf(&b, `<rect x="%d" y="56" width="%d" height="28" fill="#b23a48"/>`, 12+winW, lossW)
		fmt.Fprintf(&b, `<text x="12" y="112" font-size="13">%d matches, %.0f%% wins, avg score %.1f</text>`,
			agg.Matches, agg.WinRate*100, agg.AvgScore)
	}

	fmt.Fprintf(&b, `<text x="12" y="%d" font-size="10" fill="#888">%d W / %d L</text>`,
		svgHeight-12, agg.Wins, agg.Losses)
	b.WriteString(`</svg>`)
	return []byte(b.String())
}

func escapeText(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
