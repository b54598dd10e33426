package watch

import (
	"strings"
	"time"
)

// Spinner shows event activity with a decaying dot pattern. It lights up on
// events and fades over time.
type Spinner struct {
	dots      int
	lastEvent time.Time
}

const spinnerDots = 5

func (s *Spinner) OnEvent(now time.Time) {
	s.dots = spinnerDots
	s.lastEvent = now
}

// Decay drops one dot for every two seconds without an event.
func (s *Spinner) Decay(now time.Time) {
	if s.dots == 0 {
		return
	}
	s.dots = max(spinnerDots-int(now.Sub(s.lastEvent)/(2*time.Second)), 0)
}

func (s Spinner) Render(theme Theme) string {
	var b strings.Builder
	for i := 0; i < spinnerDots; i++ {
		if i < s.dots {
			b.WriteString(theme.TickerActive.Render("●"))
		} else {
			b.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return b.String()
}

func (s Spinner) Dots() int { return s.dots }

func (s Spinner) LastEvent() time.Time { return s.lastEvent }
