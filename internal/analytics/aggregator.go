package analytics

import (
	"sync"
	"time"

	"github.com/xela07ax/iiot-sentinel/internal/domain"
)

// Aggregator: инкрементальные счётчики аналитики. Все поля меняются под одним
// мьютексом, поэтому Snapshot никогда не видит «половину» события.
type Aggregator struct {
	mu  sync.Mutex
	loc *time.Location
	now func() time.Time

	total      int64
	today      int64
	open       int64
	dayStart   time.Time
	byType     map[domain.AttackType]int64
	bySeverity map[domain.Severity]int64
}

// New: loc обязателен: граница суток не берётся молча из локали процесса.
func New(loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	a := &Aggregator{
		loc:        loc,
		now:        time.Now,
		byType:     make(map[domain.AttackType]int64),
		bySeverity: make(map[domain.Severity]int64),
	}
	a.dayStart = StartOfDay(a.now(), loc)
	return a
}

// WithClock подменяет часы (тесты, воспроизведение).
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.mu.Lock()
	a.now = now
	a.dayStart = StartOfDay(now(), a.loc)
	a.mu.Unlock()
	return a
}

// StartOfDay: полночь суток t в зоне loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// DayStart: начало текущих суток (для запроса seed к хранилищу).
func (a *Aggregator) DayStart() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	return a.dayStart
}

// rollover сбрасывает «сегодня» при переходе суток. Вызывается под a.mu.
func (a *Aggregator) rollover() {
	ds := StartOfDay(a.now(), a.loc)
	if ds.After(a.dayStart) {
		a.dayStart = ds
		a.today = 0
	}
}

func (a *Aggregator) isToday(t time.Time) bool {
	return !t.Before(a.dayStart) && t.Before(a.dayStart.AddDate(0, 0, 1))
}

func (a *Aggregator) OnAnomalyCreated(an domain.Anomaly) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	a.total++
	if a.isToday(an.DetectedAt) {
		a.today++
	}
	if !an.IsResolved {
		a.open++
	}
	a.byType[an.AttackType]++
	a.bySeverity[an.Severity]++
}

// OnAnomalyResolved вызывается только при фактическом переходе open→resolved.
func (a *Aggregator) OnAnomalyResolved(domain.Anomaly) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open > 0 {
		a.open--
	}
}

// Seed заменяет счётчики значениями из хранилища (старт процесса).
func (a *Aggregator) Seed(s domain.AnalyticsSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	a.total = s.TotalAnomalies
	a.open = s.OpenAnomalies
	a.today = 0
	if s.DayStart.Equal(a.dayStart) {
		a.today = s.AnomaliesToday
	}
	a.byType = make(map[domain.AttackType]int64, len(s.AttackTypes))
	for k, v := range s.AttackTypes {
		a.byType[k] = v
	}
	a.bySeverity = make(map[domain.Severity]int64, len(s.Severities))
	for k, v := range s.Severities {
		a.bySeverity[k] = v
	}
}

// Snapshot: согласованная копия всех счётчиков.
func (a *Aggregator) Snapshot() domain.AnalyticsSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollover()
	s := domain.AnalyticsSnapshot{
		TotalAnomalies: a.total,
		AnomaliesToday: a.today,
		OpenAnomalies:  a.open,
		AttackTypes:    make(map[domain.AttackType]int64, len(a.byType)),
		Severities:     make(map[domain.Severity]int64, len(a.bySeverity)),
		DayStart:       a.dayStart,
		GeneratedAt:    a.now(),
	}
	for k, v := range a.byType {
		s.AttackTypes[k] = v
	}
	for k, v := range a.bySeverity {
		s.Severities[k] = v
	}
	return s
}
