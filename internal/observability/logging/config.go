package logging

type Config struct {
	Format string
	Level  string
	Output string
}

func DefaultConfig() Config {
	return Config{
		Format: "pretty",
		Level:  "info",
		Output: "stderr",
	}
}

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// levelPriority maps a level name to its rank; unknown names rank as info.
func levelPriority(level string) int {
	if p, ok := levelRank[level]; ok {
		return p
	}
	return levelRank[LevelInfo]
}
