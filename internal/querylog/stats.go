package querylog

import "time"

const statsWindowMinutes = 60

type minuteBucket struct {
	minute  time.Time
	queries uint64
	blocked uint64
}

// statsWindow counts records in per-minute buckets over the last hour and
// remembers when each client was last seen.
type statsWindow struct {
	total   uint64
	blocked uint64
	buckets [statsWindowMinutes]minuteBucket
	clients map[string]time.Time
}

func newStatsWindow() *statsWindow {
	return &statsWindow{clients: make(map[string]time.Time)}
}

func (w *statsWindow) bucket(minute time.Time) *minuteBucket {
	b := &w.buckets[minute.Unix()/60%statsWindowMinutes]
	if !b.minute.Equal(minute) {
		*b = minuteBucket{minute: minute}
	}
	return b
}

func (w *statsWindow) add(r LogRecord, now time.Time) {
	w.total++
	b := w.bucket(now.Truncate(time.Minute))
	b.queries++
	if r.Status == StatusBlocked {
		w.blocked++
		b.blocked++
	}
	if r.ClientAddress != "" {
		w.clients[r.ClientAddress] = now
	}
}

func (w *statsWindow) snapshot(now time.Time) QueryStats {
	s := QueryStats{
		TotalQueries:   w.total,
		BlockedQueries: w.blocked,
		History:        make([]MinuteStats, 0, statsWindowMinutes),
	}
	if w.total > 0 {
		s.PercentageBlocked = float64(w.blocked) / float64(w.total) * 100
	}

	cutoff := now.Add(-statsWindowMinutes * time.Minute)
	for c, seen := range w.clients {
		if seen.Before(cutoff) {
			delete(w.clients, c)
		}
	}
	s.ActiveClients = len(w.clients)

	current := now.Truncate(time.Minute)
	for i := statsWindowMinutes - 1; i >= 0; i-- {
		minute := current.Add(-time.Duration(i) * time.Minute)
		m := MinuteStats{Time: minute.Format("15:04")}
		if b := &w.buckets[minute.Unix()/60%statsWindowMinutes]; b.minute.Equal(minute) {
			m.Queries, m.Blocked = b.queries, b.blocked
		}
		s.History = append(s.History, m)
	}
	return s
}
