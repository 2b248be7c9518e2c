package session

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultBoothCount is the number of booths on the event floor.
const DefaultBoothCount = 11

// Booths returns the booth ids booth1..boothN.
func Booths(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "booth" + strconv.Itoa(i+1)
	}
	return ids
}

// BoothID accepts either a bare booth number ("3") or a full id ("booth3").
func BoothID(s string) string {
	s = strings.TrimSpace(s)
	if _, err := strconv.Atoi(s); err == nil {
		return "booth" + s
	}
	return s
}

func (s *Session) knownBooth(id string) error {
	for _, b := range s.booths {
		if b == id {
			return nil
		}
	}
	return fmt.Errorf("unknown booth %q", id)
}

func completedCount(st DeviceState, booths []string) int {
	n := 0
	for _, b := range booths {
		if st.Stamps[b] {
			n++
		}
	}
	return n
}
