package protocol

import "github.com/loqalabs/loqa-voice/internal/upstream"

// Request/reply subjects that expose the adapters to other bus services.
// Replies always carry Error and ErrorKind on failure instead of a NATS error
// header so callers can tell upstream failures apart.
const (
	SubjectSTTRequest  = "voice.rpc.stt"
	SubjectChatRequest = "voice.rpc.chat"
	SubjectTTSRequest  = "voice.rpc.tts"

	// ServiceQueue load-balances requests across voiced instances.
	ServiceQueue = "voiced"
)

type RPCError struct {
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type TranscribeRequest struct {
	Audio        []byte `json:"audio"`
	LanguageHint string `json:"language_hint,omitempty"`
}

type TranscribeReply struct {
	Transcript string `json:"transcript,omitempty"`
	Language   string `json:"language,omitempty"`
	RPCError
}

type ChatRequest struct {
	Text string `json:"text"`
}

type ChatReply struct {
	Response string `json:"response,omitempty"`
	Shortcut bool   `json:"shortcut,omitempty"`
	RPCError
}

type SynthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type SynthesizeReply struct {
	Audio []byte `json:"audio,omitempty"`
	RPCError
}

// NewRPCError describes err for a reply; nil yields the zero value.
func NewRPCError(err error) RPCError {
	if err == nil {
		return RPCError{}
	}
	return RPCError{Error: err.Error(), ErrorKind: upstream.KindOf(err).String()}
}
