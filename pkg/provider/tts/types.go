package tts

// VoiceProfile selects the voice a leg's translations are spoken in.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier
	// ("en-US-AvaMultilingualNeural", "alloy", an ElevenLabs voice id).
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag the voice speaks. Multilingual voices may
	// leave it empty.
	Language string

	// SpeedFactor adjusts speaking rate (0.25–4.0, 0 or 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}
