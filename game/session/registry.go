package session

// ConnectionInfo is a registry entry as reported to admin callers.
type ConnectionInfo struct {
	ConnectionData
	State string `json:"state"`
}

const (
	StateOpen   = "open"
	StateClosed = "closed"
)

type registration struct {
	conn Conn
	meta ConnectionData
}

// Registry tracks the connections of one session in attach order.
// It is owned by the session actor and is not safe for concurrent use.
type Registry struct {
	entries []*registration
	index   map[Conn]*registration
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[Conn]*registration)}
}

// Add registers conn. Adding a known conn replaces its metadata in place.
func (r *Registry) Add(conn Conn, meta ConnectionData) {
	if reg, ok := r.index[conn]; ok {
		reg.meta = meta
		return
	}
	reg := &registration{conn: conn, meta: meta}
	r.entries = append(r.entries, reg)
	r.index[conn] = reg
}

// Remove drops conn and reports whether it was registered.
func (r *Registry) Remove(conn Conn) bool {
	reg, ok := r.index[conn]
	if !ok {
		return false
	}
	delete(r.index, conn)
	for i, e := range r.entries {
		if e == reg {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Get(conn Conn) (ConnectionData, bool) {
	reg, ok := r.index[conn]
	if !ok {
		return ConnectionData{}, false
	}
	return reg.meta, true
}

// OpenConnections returns the registered connections whose transport is still
// open, in attach order.
func (r *Registry) OpenConnections() []Conn {
	out := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		if e.conn.IsOpen() {
			out = append(out, e.conn)
		}
	}
	return out
}

// All lists every registered connection with its transport state.
func (r *Registry) All() []ConnectionInfo {
	out := make([]ConnectionInfo, 0, len(r.entries))
	for _, e := range r.entries {
		state := StateOpen
		if !e.conn.IsOpen() {
			state = StateClosed
		}
		out = append(out, ConnectionInfo{ConnectionData: e.meta, State: state})
	}
	return out
}

func (r *Registry) Len() int { return len(r.entries) }
