package features

import (
	"time"

	"tradelab/pkg/types"
)

// DefaultHorizons are the forward-return horizons, in minutes.
var DefaultHorizons = []int{5, 15, 60}

// DefaultDirectionThreshold is the minimum absolute return, as a fraction,
// for a label to be classified up or down rather than flat.
const DefaultDirectionThreshold = 0.001

// LabelFill computes forward-looking labels for a fill at each requested
// horizon. Returns and excursions are signed from the fill's perspective,
// so a short that profits from a falling market carries a positive return.
//
// A horizon's label is present only when the window has reached the
// horizon's end time; until then the horizon is simply absent from the
// set. The entry reference is the close of the bar nearest the fill time.
func (p *Pipeline) LabelFill(fill types.Fill, horizons []int, threshold float64) *types.LabelSet {
	if len(horizons) == 0 {
		horizons = DefaultHorizons
	}
	if threshold <= 0 {
		threshold = DefaultDirectionThreshold
	}

	w := p.Window(fill.Symbol)
	if len(w) == 0 {
		return nil
	}

	entryIdx := nearestBar(w, fill.FillTime)
	entry := w[entryIdx].Close
	if entry == 0 {
		return nil
	}
	sign := float64(fill.Side.Sign())
	lastTS := w[len(w)-1].Timestamp

	set := &types.LabelSet{
		OrderID: fill.OrderID,
		Symbol:  fill.Symbol,
		Labels:  make(map[int]types.Label, len(horizons)),
	}

	for _, h := range horizons {
		end := fill.FillTime.Add(time.Duration(h) * time.Minute)
		if lastTS.Before(end) {
			continue
		}
		exitIdx := nearestBar(w, end)

		ret := sign * (w[exitIdx].Close/entry - 1)

		var favorable, adverse float64
		for i := entryIdx + 1; i <= exitIdx; i++ {
			r := sign * (w[i].Close/entry - 1)
			if r > favorable {
				favorable = r
			}
			if -r > adverse {
				adverse = -r
			}
		}

		set.Labels[h] = types.Label{
			HorizonMin:   h,
			Return:       ret,
			Direction:    classifyDirection(ret, threshold),
			MaxFavorable: favorable,
			MaxAdverse:   adverse,
		}
	}

	if len(set.Labels) == 0 {
		return nil
	}
	return set
}

func classifyDirection(ret, threshold float64) types.DirectionClass {
	switch {
	case ret > threshold:
		return types.DirectionUp
	case ret < -threshold:
		return types.DirectionDown
	default:
		return types.DirectionFlat
	}
}

// nearestBar returns the index of the bar whose timestamp is closest to t.
// The window is strictly ascending, so a binary search bounds the answer
// to two candidates.
func nearestBar(w []types.Bar, t time.Time) int {
	lo, hi := 0, len(w)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if w[mid].Timestamp.Before(t) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 {
		prev := t.Sub(w[lo-1].Timestamp)
		cur := w[lo].Timestamp.Sub(t)
		if cur < 0 {
			cur = -cur
		}
		if prev < cur {
			return lo - 1
		}
	}
	return lo
}
