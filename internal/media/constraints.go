package media

import "fmt"

// Constraints describe what a capture source should deliver.
type Constraints struct {
	Width            int  `json:"width,omitempty" yaml:"width,omitempty"`
	Height           int  `json:"height,omitempty" yaml:"height,omitempty"`
	EchoCancellation bool `json:"echoCancellation" yaml:"echoCancellation"`
}

func (c Constraints) Validate() error {
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height)
	}
	if (c.Width == 0) != (c.Height == 0) {
		return fmt.Errorf("resolution needs both width and height, got %dx%d", c.Width, c.Height)
	}
	return nil
}

// Matches reports whether the given dimensions satisfy the resolution
// constraint. A zero constraint accepts anything.
func (c Constraints) Matches(width, height int) bool {
	if c.Width == 0 && c.Height == 0 {
		return true
	}
	return c.Width == width && c.Height == height
}

func (c Constraints) String() string {
	return fmt.Sprintf("%dx%d echoCancellation=%t", c.Width, c.Height, c.EchoCancellation)
}
