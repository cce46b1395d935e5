package rating

import "math"

// Standing is one participant's rating going into a match and their final
// score in it.
type Standing struct {
	Rating int
	Score  int
}

const (
	DefaultK     = 32
	DefaultFloor = 100
)

// expected returns the Elo expected score of a player rated ra against one
// rated rb. (0.5 = equal chances, >0.5 favourite, <0.5 outsider)
func expected(ra, rb int) float64 {
	return 1 / (1 + math.Pow(10, float64(rb-ra)/400))
}

// round returns f rounded to the nearest integer with 0.5 cases away from zero
func round(f float64) float64 {
	if f >= 0 {
		return math.Floor(f + 0.5)
	}
	return math.Ceil(f - 0.5)
}

// Update computes new ratings for all participants of a finished match,
// treating it as a round-robin of pairwise Elo games: each pair contributes
// a win (1), loss (0) or tie (0.5) by comparing final scores. With two
// participants this reduces to classic Elo. Ratings never drop below floor.
func Update(standings []Standing, k, floor int) []int {
	updated := make([]int, len(standings))
	for i, s := range standings {
		var exp, actual float64
		for j, o := range standings {
			if j == i {
				continue
			}
			exp += expected(s.Rating, o.Rating)
			switch {
			case s.Score > o.Score:
				actual += 1
			case s.Score == o.Score:
				actual += 0.5
			}
		}
		delta := float64(k) * (actual - exp)
		next := int(round(float64(s.Rating) + delta))
		if next < floor {
			next = floor
		}
		updated[i] = next
	}
	return updated
}
