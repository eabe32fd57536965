package relay

import (
	"sync"
)

// Router lleva las conexiones activas y las salas por conversación.
// Un mismo usuario puede tener varias conexiones (pestañas).
type Router struct {
	mu           sync.RWMutex
	sessions     map[string]*Connection            // connectionID -> connection
	rooms        map[string]map[string]*Connection // conversationID -> connectionID -> connection
	sessionRooms map[string]map[string]struct{}    // connectionID -> conversationIDs
}

func NewRouter() *Router {
	return &Router{
		sessions:     make(map[string]*Connection),
		rooms:        make(map[string]map[string]*Connection),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registra la conexión y arranca su loop de escritura.
func (r *Router) Attach(conn *Connection) {
	r.mu.Lock()
	r.sessions[conn.ID] = conn
	r.sessionRooms[conn.ID] = make(map[string]struct{})
	r.mu.Unlock()

	conn.Start()
}

// Detach quita la conexión de todas sus salas y devuelve las salas que abandonó.
func (r *Router) Detach(conn *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[conn.ID]; !ok {
		return nil
	}
	delete(r.sessions, conn.ID)

	left := make([]string, 0, len(r.sessionRooms[conn.ID]))
	for roomID := range r.sessionRooms[conn.ID] {
		left = append(left, roomID)
		r.leaveLocked(roomID, conn.ID)
	}
	delete(r.sessionRooms, conn.ID)
	return left
}

// Join agrega la conexión a la sala. Devuelve false si ya era miembro o no está registrada.
func (r *Router) Join(conversationID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[conn.ID]; !ok {
		return false
	}

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[conversationID] = room
	}
	if _, ok := room[conn.ID]; ok {
		return false
	}
	room[conn.ID] = conn

	memberships := r.sessionRooms[conn.ID]
	if memberships == nil {
		memberships = make(map[string]struct{})
		r.sessionRooms[conn.ID] = memberships
	}
	memberships[conversationID] = struct{}{}
	return true
}

func (r *Router) Leave(conversationID string, conn *Connection) {
	r.mu.Lock()
	r.leaveLocked(conversationID, conn.ID)
	r.mu.Unlock()
}

// Members devuelve la cantidad de conexiones en la sala.
func (r *Router) Members(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[conversationID])
}

// Broadcast envía payload a todos los miembros de la sala excepto excludeConnID.
func (r *Router) Broadcast(conversationID string, payload []byte, excludeConnID string) int {
	r.mu.RLock()
	room := r.rooms[conversationID]
	targets := make([]*Connection, 0, len(room))
	for id, conn := range room {
		if excludeConnID != "" && id == excludeConnID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err == nil {
			delivered++
		}
	}
	return delivered
}

// Close cierra todas las conexiones y limpia el estado.
func (r *Router) Close() {
	r.mu.Lock()
	sessions := make([]*Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		sessions = append(sessions, conn)
	}
	r.sessions = make(map[string]*Connection)
	r.rooms = make(map[string]map[string]*Connection)
	r.sessionRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, conn := range sessions {
		conn.Close(1001, "router shutdown")
	}
}

func (r *Router) leaveLocked(conversationID, connID string) {
	room := r.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
	if memberships, ok := r.sessionRooms[connID]; ok {
		delete(memberships, conversationID)
	}
}
