package usecase

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"x-agent-manager/domain/model"
	"x-agent-manager/domain/repository"
	"x-agent-manager/infrastructure/configuration"
	"x-agent-manager/infrastructure/logger"
)

// slotSearchDays bounds the NextSlot search, in local calendar days.
const slotSearchDays = 8

// Slot is a local time of day.
type Slot struct {
	Hour   int
	Minute int
}

func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

// ParseSlots parses "HH:MM" values and returns them sorted.
func ParseSlots(raw []string) ([]Slot, error) {
	out := make([]Slot, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		hh, mm, ok := strings.Cut(r, ":")
		h, herr := strconv.Atoi(hh)
		m, merr := strconv.Atoi(mm)
		if !ok || herr != nil || merr != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return nil, &model.ValidationError{Field: "schedule.slots", Message: fmt.Sprintf("%q is not HH:MM", r)}
		}
		out = append(out, Slot{Hour: h, Minute: m})
	}
	if len(out) == 0 {
		return nil, &model.ValidationError{Field: "schedule.slots", Message: "at least one slot required"}
	}
	slices.SortFunc(out, func(a, b Slot) int {
		return (a.Hour*60 + a.Minute) - (b.Hour*60 + b.Minute)
	})
	return slices.Compact(out), nil
}

// LoadScheduleLocation resolves a zone name. Without zone data, Asia/Tokyo
// falls back to a fixed +09:00 offset and anything else to UTC.
func LoadScheduleLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err == nil {
		return loc
	}
	logger.GetLogger().WithField("timezone", name).WithField("error", err.Error()).Warn("Unknown schedule timezone")
	if name == "Asia/Tokyo" {
		return time.FixedZone("JST", 9*60*60)
	}
	return time.UTC
}

// NextSlot returns the first slot instant at or after earliest, in UTC.
func NextSlot(earliest time.Time, loc *time.Location, slots []Slot) (time.Time, bool) {
	y, m, d := earliest.In(loc).Date()
	for day := 0; day < slotSearchDays; day++ {
		for _, s := range slots {
			c := time.Date(y, m, d+day, s.Hour, s.Minute, 0, 0, loc)
			if !c.Before(earliest) {
				return c.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// IScheduleUseCase picks publish times for new queue items
type IScheduleUseCase interface {
	NextFreeSlot(ctx context.Context, now *time.Time) (string, error)
}

type ScheduleUseCase struct {
	store       repository.ICollectionStore
	loc         *time.Location
	slots       []Slot
	buffer      time.Duration
	minInterval time.Duration
	maxPerDay   int
	now         func() time.Time
}

func NewScheduleUseCase(store repository.ICollectionStore, cfg configuration.Schedule, queueCfg configuration.Queue) (*ScheduleUseCase, error) {
	slots, err := ParseSlots(cfg.Slots)
	if err != nil {
		return nil, err
	}
	return &ScheduleUseCase{
		store:       store,
		loc:         LoadScheduleLocation(cfg.Timezone),
		slots:       slots,
		buffer:      max(cfg.Buffer, 0),
		minInterval: max(queueCfg.MinPostInterval, 0),
		maxPerDay:   queueCfg.MaxPostsPerDay,
		now:         time.Now,
	}, nil
}

// WithClock overrides the time source (fluent).
func (u *ScheduleUseCase) WithClock(now func() time.Time) *ScheduleUseCase {
	u.now = now
	return u
}

// NextFreeSlot returns the earliest slot that respects the buffer from now,
// the minimum interval after the last post and the daily cap. Slots closer
// than the minimum interval to an already queued item are passed over.
func (u *ScheduleUseCase) NextFreeSlot(ctx context.Context, now *time.Time) (string, error) {
	t := u.now().UTC()
	if now != nil {
		t = now.UTC()
	}

	posts, err := repository.ReadAll[model.PostRecord](ctx, u.store, model.CollectionPosts)
	if err != nil {
		return "", fmt.Errorf("read posts: %w", err)
	}
	items, err := repository.ReadAll[model.QueueItem](ctx, u.store, model.CollectionQueue)
	if err != nil {
		return "", fmt.Errorf("read queue: %w", err)
	}

	earliest := t.Add(u.buffer)
	var last, oldest24h time.Time
	recent := 0
	for _, p := range posts {
		at, err := time.Parse(time.RFC3339, p.PostedAt)
		if err != nil {
			continue
		}
		if at.After(last) {
			last = at
		}
		if t.Sub(at) <= 24*time.Hour {
			recent++
			if oldest24h.IsZero() || at.Before(oldest24h) {
				oldest24h = at
			}
		}
	}
	if !last.IsZero() && last.Add(u.minInterval).After(earliest) {
		earliest = last.Add(u.minInterval)
	}
	if u.maxPerDay > 0 && recent >= u.maxPerDay && oldest24h.Add(24*time.Hour).After(earliest) {
		earliest = oldest24h.Add(24 * time.Hour)
	}

	var occupied []time.Time
	for _, it := range items {
		if it.Status != model.QueueStatusQueued {
			continue
		}
		if at, err := time.Parse(time.RFC3339, it.ScheduledAt); err == nil {
			occupied = append(occupied, at)
		}
	}

	for {
		slot, ok := NextSlot(earliest, u.loc, u.slots)
		if !ok {
			return "", fmt.Errorf("no schedule slot within %d days of %s", slotSearchDays, model.FormatTime(earliest))
		}
		blocker, clash := u.clash(slot, occupied)
		if !clash {
			logger.GetLogger().
				WithField("slot", model.FormatTime(slot)).
				WithField("timezone", u.loc.String()).
				Debug("Picked schedule slot")
			return model.FormatTime(slot), nil
		}
		next := blocker.Add(u.minInterval)
		if !next.After(slot) {
			next = slot.Add(time.Second)
		}
		earliest = next
	}
}

func (u *ScheduleUseCase) clash(slot time.Time, occupied []time.Time) (time.Time, bool) {
	for _, at := range occupied {
		d := slot.Sub(at)
		if d < 0 {
			d = -d
		}
		if d < u.minInterval || d == 0 {
			return at, true
		}
	}
	return time.Time{}, false
}
