package maintenance

import "time"

// SetNow pins the sweeper clock.
func (s *Sweeper) SetNow(now func() time.Time) { s.now = now }
