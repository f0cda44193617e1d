package dream

// Phase is the user-facing stage of a dream capture, reported to clients as
// status updates.
type Phase int

const (
	// PhaseIdle is the resting phase before recording and after a reset.
	PhaseIdle Phase = iota
	// PhaseRecording means the microphone is live and text is arriving.
	PhaseRecording
	// PhaseProcessing means the transcript is being analysed.
	PhaseProcessing
	// PhaseResults means an [Analysis] is available.
	PhaseResults
	// PhaseError means the last analysis failed.
	PhaseError
)

// String returns the lower-case wire name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRecording:
		return "recording"
	case PhaseProcessing:
		return "processing"
	case PhaseResults:
		return "results"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so phases serialise by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// processingMessages are shown while an analysis is running.
var processingMessages = []string{
	"Weaving the threads of your subconscious...",
	"Consulting the oracle of slumber...",
	"Translating dream language into pixels...",
	"Exploring the corridors of your mind...",
	"Painting your dream with starlight...",
}

// ProcessingMessage returns one of the rotating status lines shown during
// [PhaseProcessing]. i wraps around.
func ProcessingMessage(i int) string {
	if i < 0 {
		i = -i
	}
	return processingMessages[i%len(processingMessages)]
}
