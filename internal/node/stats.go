package node

import (
	"sort"
	"time"
)

// LinkStats describes one link.
type LinkStats struct {
	Peer         string        `json:"peer"`
	Transport    string        `json:"transport,omitempty"`
	RemoteAddr   string        `json:"remote_addr,omitempty"`
	Dialer       bool          `json:"dialer"`
	RTT          time.Duration `json:"rtt_ns"`
	FramesIn     uint64        `json:"frames_in"`
	FramesOut    uint64        `json:"frames_out"`
	LastActivity time.Time     `json:"last_activity"`
}

// SessionStats describes one proxy session in the proxy table.
type SessionStats struct {
	DebugID       string    `json:"debug_id"`
	Kind          string    `json:"kind"`
	Peer          string    `json:"peer"`
	BytesToStream uint64    `json:"bytes_to_stream"`
	BytesToHandle uint64    `json:"bytes_to_handle"`
	Started       time.Time `json:"started"`
}

// Stats is a point-in-time view of the node.
type Stats struct {
	ID       string         `json:"id"`
	Links    []LinkStats    `json:"links"`
	Sessions []SessionStats `json:"sessions"`
	Services []string       `json:"services"`
}

// Stats returns a snapshot of links, proxy sessions and services.
func (n *Node) Stats() Stats {
	st := Stats{
		ID:       n.cfg.ID.String(),
		Links:    []LinkStats{},
		Sessions: []SessionStats{},
		Services: n.Services(),
	}

	for _, l := range n.Links() {
		st.Links = append(st.Links, LinkStats{
			Peer:         l.RemoteID().String(),
			Transport:    l.Transport(),
			RemoteAddr:   l.RemoteAddr(),
			Dialer:       l.IsDialer(),
			RTT:          l.RTT(),
			FramesIn:     l.FramesIn(),
			FramesOut:    l.FramesOut(),
			LastActivity: l.LastActivity(),
		})
	}

	n.mu.Lock()
	sessions := make([]*session, 0, len(n.sessions))
	for _, s := range n.sessions {
		sessions = append(sessions, s)
	}
	n.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, SessionStats{
			DebugID:       s.proxy.DebugID(),
			Kind:          s.kind,
			Peer:          s.peer.String(),
			BytesToStream: s.proxy.BytesToStream(),
			BytesToHandle: s.proxy.BytesToHandle(),
			Started:       s.started,
		})
	}
	return st
}
