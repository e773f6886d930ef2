package queue

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"

	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

func newLogID() string {
	return uuid.NewString()
}

// Transmitter is the entry point for handing off outbound mail. Mails are
// stored and scheduled, delivery happens asynchronously.
type Transmitter struct {
	log   mlog.Log
	store *Store
	sched *Scheduler
}

// Transmit stores m, split into one mail per recipient domain, and schedules
// each for delivery at its schedule time, or now if unset. The names of the
// stored mails are returned. The only errors returned are local storage
// failures, as *LocalError. If storing one of the split mails fails, earlier
// stored mails remain queued and their names are returned along with the
// error.
func (t *Transmitter) Transmit(ctx context.Context, m *Mail) ([]MailName, error) {
	return t.transmit(ctx, m, t.store.Save)
}

// requeue is like Transmit, for mails the queue creates while processing a
// stored mail. The maximum number of mails is not enforced, so a delivery
// attempt that already happened is not run again for lack of room.
func (t *Transmitter) requeue(ctx context.Context, m *Mail) ([]MailName, error) {
	return t.transmit(ctx, m, t.store.Requeue)
}

func (t *Transmitter) transmit(ctx context.Context, m *Mail, save func(context.Context, *Mail) (MailName, error)) ([]MailName, error) {
	if len(m.Recipients) == 0 {
		return nil, &LocalError{Op: "transmit", Err: ErrNoRecipients}
	}
	if m.LogID == "" {
		m.LogID = newLogID()
	}
	log := t.log.WithContext(ctx).With(slog.String("logid", m.LogID))

	var names []MailName
	for _, nm := range splitDomains(m) {
		name, err := save(ctx, nm)
		if err != nil {
			log.Errorx("storing mail for delivery", err, slog.Any("domain", nm.Domain()))
			return names, err
		}
		log.Info("mail queued",
			slog.Any("name", name),
			slog.Any("sender", nm.Sender),
			slog.Any("recipients", nm.Recipients),
			slog.Int64("size", nm.Size),
			slog.Time("schedule", nm.Schedule))
		if !t.sched.Schedule(name, nm.Schedule) {
			// Shutting down, it is picked up at next startup.
			log.Debug("scheduler stopped, mail remains stored", slog.Any("name", name))
		}
		names = append(names, name)
	}
	return names, nil
}

// splitDomains returns m as-is if all recipients share a domain, and otherwise
// a copy per domain in sorted order of domain.
func splitDomains(m *Mail) []*Mail {
	byDomain := map[string][]smtp.Path{}
	for _, r := range m.Recipients {
		k := strings.ToLower(r.IPDomain.String())
		byDomain[k] = append(byDomain[k], r)
	}
	if len(byDomain) == 1 {
		return []*Mail{m}
	}
	keys := maps.Keys(byDomain)
	slices.Sort(keys)
	l := make([]*Mail, 0, len(keys))
	for _, k := range keys {
		nm := m.Copy()
		nm.Recipients = byDomain[k]
		l = append(l, nm)
	}
	return l
}
