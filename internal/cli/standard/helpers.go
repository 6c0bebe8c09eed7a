package standard

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/fleet/internal/cli/client"
)

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func encodeAsJSON(out io.Writer, payload interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(payload)
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	flags := cmd.Root().PersistentFlags()
	base, err := flags.GetString("api")
	if err != nil {
		base = envOrDefault("FLEET_API_BASE", "http://127.0.0.1:7780")
	}
	admin, err := flags.GetString("admin")
	if err != nil {
		admin = envOrDefault("FLEET_ADMIN_BASE", "http://127.0.0.1:7781")
	}
	key, _ := flags.GetString("api-key")
	return client.New(base, client.Options{AdminURL: admin, APIKey: key})
}
