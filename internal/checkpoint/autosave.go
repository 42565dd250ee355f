package checkpoint

import (
	"sync"
	"time"
)

// autosaver arms a delayed save on the first mutation after the last save;
// when the timer fires, the callback persists the serialized checkpoint. A
// save in progress is not re-entered: changes arriving mid-save set
// overdueForSave and another save is triggered from saveCompleted.
type autosaver struct {
	mu             sync.Mutex
	delay          time.Duration
	save           func() []byte
	armed          bool
	saving         bool
	overdueForSave bool
	timer          *time.Timer
	afterFunc      func(time.Duration, func()) *time.Timer // swappable for tests
}

func newAutosaver(delay time.Duration, save func() []byte) *autosaver {
	return &autosaver{
		delay:     delay,
		save:      save,
		afterFunc: time.AfterFunc,
	}
}

// noteChange arms the timer if nothing is armed or saving; otherwise, if a
// save is already in flight, marks the change as overdue so it gets picked
// up by saveCompleted.
func (a *autosaver) noteChange() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saving {
		a.overdueForSave = true
		return
	}
	if a.armed {
		return
	}
	a.armed = true
	a.timer = a.afterFunc(a.delay, a.fire)
}

func (a *autosaver) fire() {
	a.mu.Lock()
	a.armed = false
	a.saving = true
	saveFn := a.save
	a.mu.Unlock()

	data := saveFn()
	a.saveCompleted(data)
}

// saveCompleted is called once the save callback returns; if changes arrived
// while saving, it re-arms immediately.
func (a *autosaver) saveCompleted(data []byte) {
	a.mu.Lock()
	a.saving = false
	overdue := a.overdueForSave
	a.overdueForSave = false
	a.mu.Unlock()

	_ = data // the serialized checkpoint bytes; the caller's save() already persisted them
	if overdue {
		a.noteChange()
	}
}

// Stop cancels any armed timer, e.g. when the owning Checkpointer closes.
func (a *autosaver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.armed = false
}
