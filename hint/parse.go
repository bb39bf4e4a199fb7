package hint

import (
	"regexp"
	"strings"
)

// Matches a MaxScale-style hint comment, e.g.
//
//	/* maxscale route to server db2 */
//	/* maxscale route to master */
//	/* maxscale route to slave */
//	/* maxscale max_slave_replication_lag=3 */
//
// Multiple hint comments may trail one statement; Parse walks every
// match it finds, left to right, mirroring the teacher's single-regex
// "find, strip, repeat" technique in parser.Parse but over a chain
// instead of a single struct.
var commentRegex = regexp.MustCompile(`(?i)/\*\s*maxscale\s+([^*]+?)\s*\*/`)

// Parse extracts the hint chain trailing a request buffer. A comment
// whose body is not a recognised hint is left out of the chain; it is
// not logged and not reported to the caller.
func Parse(buf []byte) Chain {
	var chain Chain
	matches := commentRegex.FindAllStringSubmatch(string(buf), -1)
	for _, m := range matches {
		if h, ok := parseOne(strings.TrimSpace(m[1])); ok {
			chain = append(chain, h)
		}
	}
	return chain
}

func parseOne(body string) (Hint, bool) {
	lower := strings.ToLower(body)

	switch {
	case lower == "route to master" || lower == "route to primary":
		return Hint{Kind: RouteToPrimary}, true
	case lower == "route to slave" || lower == "route to replica":
		return Hint{Kind: RouteToReplica}, true
	case lower == "route to all":
		return Hint{Kind: RouteToAll}, true
	case lower == "route to uptodate server" || lower == "route to last":
		return Hint{Kind: RouteToUpToDateServer}, true
	case strings.HasPrefix(lower, "route to server "):
		name := strings.TrimSpace(body[len("route to server "):])
		if name == "" {
			return Hint{}, false
		}
		return Hint{Kind: RouteToNamedServer, Name: name}, true
	case strings.Contains(body, "="):
		idx := strings.IndexByte(body, '=')
		key := strings.TrimSpace(body[:idx])
		val := strings.TrimSpace(body[idx+1:])
		if key == "" {
			return Hint{}, false
		}
		return Hint{Kind: Parameter, Key: key, Value: val}, true
	default:
		return Hint{}, false
	}
}
