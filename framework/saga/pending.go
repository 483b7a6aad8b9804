package saga

import (
	"sort"
)

// scheduled эффект с порядковым номером
type scheduled struct {
	seq    uint64
	effect Effect
}

// pending учет незавершенных эффектов экземпляра.
// Номера выдаются детерминированно, поэтому свертка журнала восстанавливает тот же учет.
type pending struct {
	seq        uint64
	activities map[uint64]RunActivity
	persists   map[uint64]PersistStatus
	timers     map[string]scheduled
	children   map[string]scheduled
	// reports последний отчет родителю по имени. Подтверждения нет,
	// поэтому после восстановления отчет доставляется повторно; родитель обязан принимать его идемпотентно.
	reports map[string]scheduled
}

func newPending() *pending {
	return &pending{
		activities: make(map[uint64]RunActivity),
		persists:   make(map[uint64]PersistStatus),
		timers:     make(map[string]scheduled),
		children:   make(map[string]scheduled),
		reports:    make(map[string]scheduled),
	}
}

// track ставит эффект на учет и назначает ему номер
func (p *pending) track(effect Effect) scheduled {
	p.seq++
	s := scheduled{seq: p.seq, effect: effect}
	switch e := effect.(type) {
	case RunActivity:
		p.activities[s.seq] = e
	case PersistStatus:
		p.persists[s.seq] = e
	case StartTimer:
		p.timers[e.Name] = s
	case CancelTimer:
		delete(p.timers, e.Name)
	case StartChild:
		p.children[e.Name] = s
	case NotifyParent:
		p.reports[e.Name] = s
	}
	return s
}

// accepts ждет ли экземпляр такого ответа
func (p *pending) accepts(ev Event) bool {
	switch ev.Type {
	case EventActivityCompleted, EventActivityFailed:
		_, ok := p.activities[ev.Seq]
		return ok
	case EventStatusPersisted, EventStatusPersistFailed:
		_, ok := p.persists[ev.Seq]
		return ok
	case EventTimerFired:
		t, ok := p.timers[ev.Name]
		return ok && t.seq == ev.Seq
	case EventChildCompleted:
		_, ok := p.children[ev.Child]
		return ok
	}
	return true
}

// resolve снимает эффект с учета по пришедшему ответу
func (p *pending) resolve(ev Event) {
	switch ev.Type {
	case EventActivityCompleted, EventActivityFailed:
		delete(p.activities, ev.Seq)
	case EventStatusPersisted, EventStatusPersistFailed:
		delete(p.persists, ev.Seq)
	case EventTimerFired:
		delete(p.timers, ev.Name)
	case EventChildCompleted:
		delete(p.children, ev.Child)
	}
}

// childID идентификатор живого дочернего экземпляра по имени
func (p *pending) childID(name string) (string, bool) {
	s, ok := p.children[name]
	if !ok {
		return "", false
	}
	return s.effect.(StartChild).ID, true
}

// outstanding незавершенные эффекты в порядке выпуска
func (p *pending) outstanding() []scheduled {
	var out []scheduled
	for seq, e := range p.persists {
		out = append(out, scheduled{seq: seq, effect: e})
	}
	for seq, e := range p.activities {
		out = append(out, scheduled{seq: seq, effect: e})
	}
	for _, s := range p.timers {
		out = append(out, s)
	}
	for _, s := range p.children {
		out = append(out, s)
	}
	for _, s := range p.reports {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
