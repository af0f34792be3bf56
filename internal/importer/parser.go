package importer

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/proxy-pool-dashboard/internal/types"
)

// InvalidPort is assigned when the port field is not a base-10 integer.
// It lies outside 1-65535, so ProxyDraft.Validate rejects it.
const InvalidPort = 0

// Parse turns bulk text in the host:port[:user[:pass]] format into drafts.
// Blank lines and lines with fewer than two colon-separated fields are dropped
// without error. Order is preserved and duplicates are kept.
func Parse(text string) []types.ProxyDraft {
	drafts := make([]types.ProxyDraft, 0)

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		draft, ok := parseLine(line)
		if !ok {
			continue
		}
		drafts = append(drafts, draft)
	}

	return drafts
}

// ParseReader reads r to the end and parses its content.
func ParseReader(r io.Reader) ([]types.ProxyDraft, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read import text: %w", err)
	}
	return Parse(string(data)), nil
}

func parseLine(line string) (types.ProxyDraft, bool) {
	parts := strings.Split(line, ":")
	if len(parts) < 2 {
		return types.ProxyDraft{}, false
	}

	draft := types.ProxyDraft{
		Address: parts[0],
		Port:    parsePort(parts[1]),
		Type:    types.ProxyHTTP,
	}
	if len(parts) > 2 {
		draft.Username = parts[2]
	}
	if len(parts) > 3 {
		draft.Password = parts[3]
	}

	return draft, true
}

func parsePort(s string) int {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return InvalidPort
	}
	return port
}
