package questions

import (
	"fmt"
	"math/rand/v2"
)

// Question pairs an arithmetic expression with its integer answer.
type Question struct {
	Text   string
	Answer int
}

// Generate returns n fresh random arithmetic questions. Each call yields a
// new independent sequence.
func Generate(n int) []Question {
	qs := make([]Question, 0, n)
	for range n {
		qs = append(qs, generateOne())
	}
	return qs
}

func generateOne() Question {
	a := rand.IntN(90) + 10
	b := rand.IntN(90) + 10

	switch rand.IntN(3) {
	case 0:
		return Question{Text: fmt.Sprintf("%d + %d", a, b), Answer: a + b}
	case 1:
		// Keep subtraction results non-negative
		if b > a {
			a, b = b, a
		}
		return Question{Text: fmt.Sprintf("%d - %d", a, b), Answer: a - b}
	default:
		a = rand.IntN(12) + 2
		b = rand.IntN(12) + 2
		return Question{Text: fmt.Sprintf("%d x %d", a, b), Answer: a * b}
	}
}

// Texts returns just the expression strings, for sending to clients without
// leaking answers.
func Texts(qs []Question) []string {
	texts := make([]string, len(qs))
	for i, q := range qs {
		texts[i] = q.Text
	}
	return texts
}
