package classification

import "fmt"

// Labels maps a class index of the model output to its name.
type Labels []string

func (l Labels) Lookup(idx int) (string, error) {
	if idx < 0 || idx >= len(l) {
		return "", fmt.Errorf("%w: %d not in [0, %d)", ErrLabelIndexOutOfRange, idx, len(l))
	}
	return l[idx], nil
}
