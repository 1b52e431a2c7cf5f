package engine

import (
	"regexp"
	"strings"

	"github.com/openmemory/openmemory/pkg/types"
)

// codePattern matches source-like lines that start with a declaration,
// import/package, visibility, or SQL statement keyword across the
// languages this store is likely to see content from.
var codePattern = regexp.MustCompile(`(?m)^\s*(func|def|class|import|package|const|var|public|private|SELECT|INSERT|UPDATE|DELETE)\b`)

// errorPattern matches stack-trace and failure-report language.
var errorPattern = regexp.MustCompile(`(?i)\b(traceback|stack trace|panic:|exception|nullpointerexception|errno|segfault)\b`)

// episodicPattern matches first-person, past-tense, time-stamped recollection.
var episodicPattern = regexp.MustCompile(`(?i)\b(yesterday|last week|last month|this morning|earlier today|ago)\b`)

// reflectivePattern matches meta-cognitive, lesson-learned language.
var reflectivePattern = regexp.MustCompile(`(?i)\b(i realized|in retrospect|looking back|the lesson|i learned that|on reflection)\b`)

// keywordVotes lists, per sector, the lowercase keywords that count as a
// vote toward that sector when none of the regex families fire.
var keywordVotes = map[types.Sector][]string{
	types.SectorEpisodic:   {"happened", "went", "visited", "met", "saw", "attended", "remember when"},
	types.SectorProcedural: {"step", "first,", "then,", "finally,", "how to", "instructions", "procedure", "algorithm"},
	types.SectorReflective: {"insight", "takeaway", "lesson", "mistake", "next time", "should have"},
	types.SectorEmotional:  {"happy", "sad", "angry", "afraid", "excited", "frustrated", "grateful", "anxious", "love", "hate"},
	types.SectorSemantic:   {"is a", "is the", "refers to", "defined as", "consists of"},
}

// classifySector decides the primary sector for content. hint, when
// non-empty and valid, takes precedence (a caller-supplied classification).
// Otherwise: regex families for code/error (procedural), episodic, and
// reflective language are checked first; on no match, keyword voting picks
// the sector with the most hits; ties and no votes default to semantic.
func classifySector(hint types.Sector, content string) types.Sector {
	if hint.Valid() {
		return hint
	}

	switch {
	case codePattern.MatchString(content) || errorPattern.MatchString(content):
		return types.SectorProcedural
	case reflectivePattern.MatchString(content):
		return types.SectorReflective
	case episodicPattern.MatchString(content):
		return types.SectorEpisodic
	}

	lower := strings.ToLower(content)
	best := types.SectorSemantic
	bestVotes := 0
	tied := false
	for _, sector := range types.Sectors() {
		votes := 0
		for _, kw := range keywordVotes[sector] {
			votes += strings.Count(lower, kw)
		}
		if votes > bestVotes {
			bestVotes = votes
			best = sector
			tied = false
		} else if votes == bestVotes && votes > 0 {
			tied = true
		}
	}
	if tied {
		return types.SectorSemantic
	}
	return best
}
