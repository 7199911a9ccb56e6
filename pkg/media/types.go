// Package media describes attachment metadata passed between channel
// adapters, the bus, and the engine, without carrying raw payload bytes
// inline on an IncomingMessage.
package media

// Descriptor is a metadata-only record of an attachment on an incoming
// message: enough for the prompt builder to mention it and for a tool to
// later fetch it by reference, but never the payload itself.
type Descriptor struct {
	Kind      string `json:"kind"` // image, audio, file, ...
	MediaType string `json:"media_type"`
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes"`
	Ref       string `json:"ref"` // channel-specific fetch reference
}

// Synthesized is the output of a TTS collaborator: audio bytes ready to
// be handed to a channel adapter as a send_audio action.
type Synthesized struct {
	Mime        string
	Filename    string
	Bytes       []byte
	AsVoiceNote bool
}
