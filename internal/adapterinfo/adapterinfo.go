package adapterinfo

// Metadata captures static identifiers for the service. Centralising the values
// keeps the binaries, the HTTP user agent and the health service in agreement.
type Metadata struct {
	Name        string
	BinaryName  string
	Slug        string
	Description string
	GeneratorID string
	Version     string
}

// Info describes the current service.
var Info = Metadata{
	Name:        "Nupi Whisper Transcribe",
	BinaryName:  "whisper-transcribe",
	Slug:        "whisper-transcribe",
	Description: "Whisper transcription service with cached model downloads and streamed segments.",
	GeneratorID: "whisper-transcribe",
	Version:     "0.1.0",
}

// Version returns the release version.
func Version() string { return Info.Version }

// UserAgent is sent on every outbound hub request.
func UserAgent() string {
	return Info.Slug + "/" + Info.Version
}

// TranscriptMetadata produces the standard metadata payload attached
// to emitted transcripts.
func TranscriptMetadata(modelVariant, language string) map[string]string {
	return map[string]string{
		"generator":     Info.GeneratorID,
		"model_variant": modelVariant,
		"language":      language,
		"version":       Info.Version,
	}
}
