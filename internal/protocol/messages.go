package protocol

import "sophon.space/internal/persistence/chunkstore"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
}

// RADIUS (client -> server)
type RadiusMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Radius          int64  `json:"radius"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	ChunkSize       int64  `json:"chunk_size"`
	WorldRadius     int64  `json:"world_radius"`
	Exploring       bool   `json:"exploring"`
	RadiusUpdates   bool   `json:"radius_updates"`
}

// CHUNK (server -> client)
type ChunkMsg struct {
	Type            string                   `json:"type"`
	ProtocolVersion string                   `json:"protocol_version"`
	Chunk           chunkstore.ExploredChunk `json:"chunk"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// StatusResponse is served by GET /v1/status.
type StatusResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	Exploring       bool   `json:"exploring"`
	Chunks          int    `json:"chunks"`
	ChunkSize       int64  `json:"chunk_size"`
	WorldRadius     int64  `json:"world_radius"`
	Pattern         string `json:"pattern"`
	CurrentChunk    string `json:"current_chunk,omitempty"`
	Sessions        int    `json:"sessions"`
}

// NewError builds an ERROR frame. Unknown codes are reported as E_INTERNAL.
func NewError(code, message string) ErrorMsg {
	if code == "" || !IsKnownCode(code) {
		code = ErrInternal
	}
	return ErrorMsg{Type: TypeError, ProtocolVersion: Version, Code: code, Message: message}
}
