package bouncer

import (
	"sort"
	"strconv"
	"strings"
)

// ModeArg says how a channel mode letter takes its argument.
type ModeArg int

const (
	// NoArg modes never take an argument.
	NoArg ModeArg = iota
	// HasArg modes always take an argument, which is kept as state.
	HasArg
	// ListArg modes always take an argument and are never kept, like bans.
	ListArg
	// ArgWhenSet modes take an argument only when set.
	ArgWhenSet
)

func (a ModeArg) String() string {
	switch a {
	case NoArg:
		return "no-arg"
	case HasArg:
		return "has-arg"
	case ListArg:
		return "list"
	case ArgWhenSet:
		return "arg-when-set"
	}
	return "unknown"
}

// chanModeClasses is the CHANMODES group order.
var chanModeClasses = [...]ModeArg{ListArg, HasArg, ArgWhenSet, NoArg}

const (
	defaultChanModes  = "beI,k,l,pstin"
	defaultPerms      = "*!@%+"
	defaultPermModes  = "qaohv"
	defaultChanTypes  = "#&"
	defaultMaxNickLen = 9
)

// isupport is what a server announced in 005, plus the tables derived
// from it.
type isupport struct {
	values     map[string]string
	chanModes  map[byte]ModeArg
	perms      string
	permModes  string
	chanTypes  string
	maxNickLen int
}

func newISupport() *isupport {
	return &isupport{
		values:     make(map[string]string),
		chanModes:  parseChanModes(defaultChanModes),
		perms:      defaultPerms,
		permModes:  defaultPermModes,
		chanTypes:  defaultChanTypes,
		maxNickLen: defaultMaxNickLen,
	}
}

// parse takes the tokens between the nick and the trailing text of a 005
// line. Unknown or malformed tokens are stored as-is.
func (s *isupport) parse(tokens []string) {
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		if strings.HasPrefix(tok, "-") {
			s.unset(tok[1:])
			continue
		}
		key, value, _ := strings.Cut(tok, "=")
		s.values[key] = value

		switch key {
		case "CHANMODES":
			if value != "" {
				s.chanModes = parseChanModes(value)
			}
		case "PREFIX":
			if modes, perms, ok := parsePrefix(value); ok {
				s.permModes = modes
				s.perms = perms
			}
		case "NICKLEN":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				s.maxNickLen = n
			}
		case "CHANTYPES":
			s.chanTypes = value
		}
	}
}

// unset handles a "-KEY" token, putting derived tables back to their
// defaults.
func (s *isupport) unset(key string) {
	delete(s.values, key)
	switch key {
	case "CHANMODES":
		s.chanModes = parseChanModes(defaultChanModes)
	case "PREFIX":
		s.perms = defaultPerms
		s.permModes = defaultPermModes
	case "NICKLEN":
		s.maxNickLen = defaultMaxNickLen
	case "CHANTYPES":
		s.chanTypes = defaultChanTypes
	}
}

// parseChanModes decodes "A,B,C,D" into the argument table. Groups past
// the fourth are ignored; a letter listed twice keeps its last class.
func parseChanModes(value string) map[byte]ModeArg {
	table := make(map[byte]ModeArg)
	for i, group := range strings.SplitN(value, ",", len(chanModeClasses)+1) {
		if i >= len(chanModeClasses) {
			break
		}
		for j := 0; j < len(group); j++ {
			table[group[j]] = chanModeClasses[i]
		}
	}
	return table
}

// formatChanModes is the inverse of parseChanModes, letters sorted within
// each group.
func formatChanModes(table map[byte]ModeArg) string {
	groups := make([][]byte, len(chanModeClasses))
	for c, arg := range table {
		for i, class := range chanModeClasses {
			if arg == class {
				groups[i] = append(groups[i], c)
			}
		}
	}
	parts := make([]string, len(groups))
	for i, g := range groups {
		sort.Slice(g, func(a, b int) bool { return g[a] < g[b] })
		parts[i] = string(g)
	}
	return strings.Join(parts, ",")
}

// parsePrefix decodes "(qaohv)~&@%+".
func parsePrefix(value string) (modes, perms string, ok bool) {
	if !strings.HasPrefix(value, "(") {
		return "", "", false
	}
	modes, perms, found := strings.Cut(value[1:], ")")
	if !found || len(modes) != len(perms) {
		return "", "", false
	}
	return modes, perms, true
}

// modeArg returns the argument class of a mode letter. Unknown letters
// take no argument.
func (s *isupport) modeArg(mode byte) ModeArg {
	if arg, ok := s.chanModes[mode]; ok {
		return arg
	}
	return NoArg
}

// permForMode maps a mode letter such as 'o' to its prefix character, or
// 0 if the letter is not a permission mode.
func (s *isupport) permForMode(mode byte) byte {
	if i := strings.IndexByte(s.permModes, mode); i >= 0 {
		return s.perms[i]
	}
	return 0
}

func (s *isupport) modeForPerm(perm byte) byte {
	if i := strings.IndexByte(s.perms, perm); i >= 0 {
		return s.permModes[i]
	}
	return 0
}

func (s *isupport) isChan(name string) bool {
	return name != "" && strings.IndexByte(s.chanTypes, name[0]) >= 0
}

// get returns a raw ISUPPORT value and whether the key was announced.
func (s *isupport) get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}
