package ledger

import (
	"fmt"
	"time"
)

// DefaultWindow is the trailing PnL window.
const DefaultWindow = 7 * 24 * time.Hour

// Grid is the ordered sequence of hour boundaries spanning the PnL window.
type Grid []time.Time

// BuildGrid returns the hours from floor(now)-window through floor(now)
// inclusive, one hour apart, in UTC. A 7-day window yields 169 hours. The
// grid always holds at least floor(now); a negative window counts as zero.
func BuildGrid(now time.Time, window time.Duration) Grid {
	if window < 0 {
		window = 0
	}
	end := FloorHour(now)
	start := end.Add(-window.Truncate(time.Hour))

	n := int(end.Sub(start)/time.Hour) + 1
	grid := make(Grid, 0, n)
	for h := start; !h.After(end); h = h.Add(time.Hour) {
		grid = append(grid, h)
	}
	return grid
}

// FloorHour truncates t to the top of its UTC hour.
func FloorHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// Start is the first hour of the window. The grid must be non-empty, which
// every grid from BuildGrid is; Start panics on an empty Grid.
func (g Grid) Start() time.Time { return g[0] }

// End is the current hour, the last of the window. Like Start it requires a
// non-empty grid.
func (g Grid) End() time.Time { return g[len(g)-1] }

// Validate checks that the grid is non-empty, hour aligned and contiguous.
func (g Grid) Validate() error {
	if len(g) == 0 {
		return fmt.Errorf("empty grid")
	}
	for i, h := range g {
		if !h.Equal(FloorHour(h)) {
			return fmt.Errorf("grid[%d] %s is not hour aligned", i, h.Format(time.RFC3339))
		}
		if i > 0 && h.Sub(g[i-1]) != time.Hour {
			return fmt.Errorf("grid[%d] %s does not follow %s by one hour",
				i, h.Format(time.RFC3339), g[i-1].Format(time.RFC3339))
		}
	}
	return nil
}
