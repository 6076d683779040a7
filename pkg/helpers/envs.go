package helpers

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads ENV_FILE when set, otherwise the nearest .env in the
// working directory or up to maxDepth parents.
func LoadEnvFile(maxDepth int) (string, error) {
	if maxDepth <= 0 {
		maxDepth = 5
	}

	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return "", fmt.Errorf("loading ENV_FILE %s: %w", path, err)
		}
		return path, nil
	}

	for depth := 0; depth <= maxDepth; depth++ {
		path := strings.Repeat("../", depth) + ".env"
		if err := godotenv.Load(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no .env file within %d parent directories", maxDepth)
}
