package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/upstream"
)

// Duplex channel message types.
const (
	TypeAudioChunk    = "audio_chunk"
	TypeAudioComplete = "audio_complete"

	TypeChunkReceived    = "chunk_received"
	TypeTranscriptReady  = "transcript_ready"
	TypeResponseComplete = "response_complete"
	TypeError            = "error"
)

// Inbound is any client message. Chunk is only set for audio_chunk.
type Inbound struct {
	Type      string `json:"type"`
	Chunk     string `json:"chunk,omitempty"`
	SessionID string `json:"sessionId"`
}

// Event is a server message written to the duplex channel.
type Event interface {
	EventType() string
}

type ChunkReceived struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type TranscriptReady struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Language   string `json:"language"`
}

// ResponseComplete carries the audio as base64 through the default []byte
// JSON encoding.
type ResponseComplete struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
	Response   string `json:"response"`
	Audio      []byte `json:"audio"`
	FromCache  bool   `json:"fromCache"`
}

type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (ChunkReceived) EventType() string    { return TypeChunkReceived }
func (TranscriptReady) EventType() string  { return TypeTranscriptReady }
func (ResponseComplete) EventType() string { return TypeResponseComplete }
func (Error) EventType() string            { return TypeError }

func NewChunkReceived(sessionID string) ChunkReceived {
	return ChunkReceived{Type: TypeChunkReceived, SessionID: sessionID}
}

func NewTranscriptReady(transcript, language string) TranscriptReady {
	return TranscriptReady{Type: TypeTranscriptReady, Transcript: transcript, Language: language}
}

func NewResponseComplete(transcript, response string, audio []byte, fromCache bool) ResponseComplete {
	if audio == nil {
		audio = []byte{}
	}
	return ResponseComplete{Type: TypeResponseComplete, Transcript: transcript, Response: response, Audio: audio, FromCache: fromCache}
}

func NewError(err error) Error {
	return Error{Type: TypeError, Error: err.Error()}
}

// DecodeInbound parses one client message. Every failure is a channel
// protocol error; the connection stays usable.
func DecodeInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, upstream.Protocol("invalid message: " + err.Error())
	}
	switch msg.Type {
	case TypeAudioChunk, TypeAudioComplete:
	case "":
		return Inbound{}, upstream.Protocol("message type is required")
	default:
		return Inbound{}, upstream.Protocol("unknown message type " + msg.Type)
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return Inbound{}, upstream.Protocol("sessionId is required")
	}
	return msg, nil
}

// Bus subjects mirror the session lifecycle for other services.
const (
	SubjectSessionPrefix = "voice.session"

	EventSessionStarted  = "started"
	EventTranscript      = "transcript"
	EventResponse        = "response"
	EventSessionFailed   = "failed"
	EventConnectionOpen  = "connection.open"
	EventConnectionClose = "connection.close"
)

// SessionEvent is the bus and event store record of one pipeline milestone.
type SessionEvent struct {
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id"`
	Kind         string    `json:"kind"`
	State        string    `json:"state,omitempty"`
	Transcript   string    `json:"transcript,omitempty"`
	Language     string    `json:"language,omitempty"`
	Response     string    `json:"response,omitempty"`
	AudioBytes   int       `json:"audio_bytes,omitempty"`
	FromCache    bool      `json:"from_cache,omitempty"`
	Shortcut     bool      `json:"shortcut,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	LatencyMS    int64     `json:"latency_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
