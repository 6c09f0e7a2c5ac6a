package viewing

import "sync"

// Tracker records the single group each identity is currently looking at.
type Tracker struct {
	mu      sync.RWMutex
	viewing map[string]string
}

func New() *Tracker {
	return &Tracker{viewing: make(map[string]string)}
}

// Set overwrites the viewed group; an empty groupID clears it.
func (t *Tracker) Set(identity, groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if groupID == "" {
		delete(t.viewing, identity)
		return
	}
	t.viewing[identity] = groupID
}

func (t *Tracker) Clear(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.viewing, identity)
}

func (t *Tracker) Get(identity string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	groupID, ok := t.viewing[identity]
	return groupID, ok
}

func (t *Tracker) IsViewing(identity, groupID string) bool {
	current, ok := t.Get(identity)
	return ok && current == groupID
}
