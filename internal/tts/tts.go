package tts

import "context"

// Result is synthesized audio plus the provider's content type, passed
// through to the caller untouched.
type Result struct {
	Audio       []byte
	ContentType string
}

// Synthesizer defines the interface for text-to-speech providers.
type Synthesizer interface {
	// Synthesize converts text to speech using the given voice and model.
	// Empty voiceID or modelID fall back to the client defaults.
	Synthesize(ctx context.Context, text, voiceID, modelID string) (*Result, error)
}
