package opmon

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Level is an ordered verbosity tier. Lower values are more important.
type Level uint32

const (
	LevelTopPriority    Level = 0
	LevelEventDriven    Level = math.MaxUint32 / 4
	LevelDefault        Level = math.MaxUint32 / 2
	LevelDebug          Level = math.MaxUint32 / 4 * 3
	LevelLowestPriority Level = math.MaxUint32 - 1
	// LevelAll is a node setting that lets every measurement through
	LevelAll Level = math.MaxUint32
)

var levelNames = []struct {
	name  string
	level Level
}{
	{"top", LevelTopPriority},
	{"event", LevelEventDriven},
	{"default", LevelDefault},
	{"debug", LevelDebug},
	{"lowest", LevelLowestPriority},
	{"all", LevelAll},
}

// Publishable reports whether a measurement at level entry passes a node
// configured at level configured
func Publishable(entry, configured Level) bool {
	return entry <= configured
}

// String returns the tier name, or the number for levels between tiers
func (l Level) String() string {
	for _, n := range levelNames {
		if n.level == l {
			return n.name
		}
	}
	return strconv.FormatUint(uint64(l), 10)
}

// ParseLevel accepts a tier name or an unsigned integer
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, n := range levelNames {
		if n.name == s {
			return n.level, nil
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid opmon level %q", s)
	}
	return Level(v), nil
}

// MarshalText implements encoding.TextMarshaler
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *Level) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
