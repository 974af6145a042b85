package tts

// VoiceConfig carries the provider-independent voice selection for one
// request. The dispatcher translates it into provider-specific parameters.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier (e.g. an Edge voice
	// short name or a SoVITS model id).
	VoiceID string

	// Language is the BCP-47 tag of the text being synthesised (e.g.
	// "zh-CN"). Empty lets the provider default.
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// ReferenceAudio is a reference sample for voice-cloning backends
	// (GPT-SoVITS). Ignored by providers without cloning.
	ReferenceAudio []byte

	// ReferenceText is the transcript of ReferenceAudio, when required.
	ReferenceText string

	// Extra holds provider-specific options not covered above.
	Extra map[string]string
}
