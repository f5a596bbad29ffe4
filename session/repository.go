package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the caller-visible object for an opened session.
type Handle struct {
	// ID is unique within the repository that issued it.
	ID                int
	InstanceID        uuid.UUID
	Name              string
	ComputerName      string
	Transport         string
	ConfigurationName string
	OpenedAt          time.Time

	Session Session
}

// State returns the live state of the underlying session.
func (h *Handle) State() State {
	if h.Session == nil {
		return StateClosed
	}
	return h.Session.State()
}

// String formats the handle the way session listings show it.
func (h *Handle) String() string {
	return fmt.Sprintf("%d %s %s %s %s", h.ID, h.Name, h.ComputerName, h.State(), h.ConfigurationName)
}

// Repository holds opened sessions for later lookup. It is safe for
// concurrent use; insertion order is irrelevant and ids are assigned from a
// per-repository sequence.
type Repository struct {
	mu     sync.RWMutex
	nextID int
	byID   map[int]*Handle
	now    func() time.Time
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		byID: make(map[int]*Handle),
		now:  time.Now,
	}
}

// Add registers an opened session and returns its handle. A non-empty name
// is used as given; otherwise the handle is named Session<ID>.
func (r *Repository) Add(s Session, name string) *Handle {
	d := s.Descriptor()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	h := &Handle{
		ID:                r.nextID,
		InstanceID:        s.ID(),
		Name:              name,
		ComputerName:      d.Target(),
		Transport:         d.Kind.String(),
		ConfigurationName: d.ConfigurationName,
		OpenedAt:          r.now(),
		Session:           s,
	}
	if h.Name == "" {
		h.Name = fmt.Sprintf("Session%d", h.ID)
	}
	r.byID[h.ID] = h
	return h
}

// Get returns the handle with the given id.
func (r *Repository) Get(id int) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return h, nil
}

// GetByName returns all handles with the given name, ordered by id.
// Caller-supplied names are not required to be unique.
func (r *Repository) GetByName(name string) []*Handle {
	var out []*Handle
	for _, h := range r.List() {
		if h.Name == name {
			out = append(out, h)
		}
	}
	return out
}

// GetByInstanceID returns the handle whose session has the given instance id.
func (r *Repository) GetByInstanceID(id uuid.UUID) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.byID {
		if h.InstanceID == id {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id)
}

// List returns all handles ordered by id.
func (r *Repository) List() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.byID))
	for _, h := range r.byID {
		out = append(out, h)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove drops the handle with the given id. The session itself is not closed.
func (r *Repository) Remove(id int) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	delete(r.byID, id)
	return h, nil
}

// Len returns the number of registered sessions.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
