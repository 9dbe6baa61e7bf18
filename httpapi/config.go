package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BasePath string
	// HistorySize bounds the event replay buffer.
	HistorySize int
}
