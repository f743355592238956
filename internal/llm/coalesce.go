package llm

import "unicode/utf8"

// Coalescer merges token-sized deltas into phrase-sized chunks so clients do
// not receive a firehose of tiny fragments. Output concatenates to the input.
type Coalescer struct {
	minChars int
	firstMin int
	pending  string
	emitted  bool
}

// NewCoalescer returns a coalescer; minChars <= 0 passes deltas through.
func NewCoalescer(minChars int) *Coalescer {
	firstMin := minChars / 4
	if firstMin < 2 {
		firstMin = 2
	}
	if firstMin > minChars {
		firstMin = minChars
	}
	return &Coalescer{minChars: minChars, firstMin: firstMin}
}

func (c *Coalescer) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	if c.minChars <= 0 {
		return []string{delta}
	}
	c.pending += delta
	return c.flush(false)
}

// Flush emits whatever is still buffered.
func (c *Coalescer) Flush() []string {
	return c.flush(true)
}

func (c *Coalescer) flush(force bool) []string {
	var out []string
	for {
		threshold := c.minChars
		if !c.emitted {
			threshold = c.firstMin
		}
		segment, rest, ok := nextSegment(c.pending, threshold, force)
		if !ok {
			break
		}
		c.pending = rest
		out = append(out, segment)
		c.emitted = true
	}
	return out
}

func nextSegment(input string, minChars int, force bool) (segment, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}
	if idx := boundaryAfterMin(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	// Enough text without punctuation: cut at whitespace to keep latency low.
	if len(input) >= minChars*2 {
		cut := whitespaceCut(input, minChars)
		return input[:cut], input[cut:], true
	}
	return "", input, false
}

func boundaryAfterMin(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}

func whitespaceCut(input string, minChars int) int {
	if minChars < 1 {
		minChars = 1
	}
	if len(input) <= minChars {
		return len(input)
	}
	limit := minChars + 20
	if limit > len(input) {
		limit = len(input)
	}
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	cut := minChars
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	if cut == 0 {
		return minChars
	}
	return cut
}
