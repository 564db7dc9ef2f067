package protocol

import (
	"fmt"
	"math"
	"strings"

	"github.com/CZERTAINLY/katago-server/internal/model"
)

const maxKomi = 150

var knownRules = map[string]struct{}{
	"tromp-taylor":  {},
	"chinese":       {},
	"chinese-ogs":   {},
	"chinese-kgs":   {},
	"japanese":      {},
	"korean":        {},
	"stone-scoring": {},
	"aga":           {},
	"bga":           {},
	"new-zealand":   {},
	"aga-button":    {},
}

// Validate checks every field the engine would choke on. It never touches
// the engine.
func Validate(req model.AnalysisRequest) error {
	var verr ValidationError
	width, height := req.Board()
	boardOK := true
	if width < MinBoardSize || width > MaxBoardSize {
		verr.add("boardXSize", "must be within [%d, %d], got %d", MinBoardSize, MaxBoardSize, width)
		boardOK = false
	}
	if height < MinBoardSize || height > MaxBoardSize {
		verr.add("boardYSize", "must be within [%d, %d], got %d", MinBoardSize, MaxBoardSize, height)
		boardOK = false
	}

	if boardOK {
		for i, mv := range req.Moves {
			if _, err := ParsePoint(mv, width, height); err != nil {
				verr.add(fmt.Sprintf("moves[%d]", i), "%v", err)
			}
		}
		for i, st := range req.InitialStones {
			field := fmt.Sprintf("initialStones[%d]", i)
			if !validPlayer(st.Player) {
				verr.add(field, "player must be B or W, got %q", st.Player)
			}
			p, err := ParsePoint(st.Move, width, height)
			if err != nil {
				verr.add(field, "%v", err)
			} else if p.Pass {
				verr.add(field, "initial stone cannot be a pass")
			}
		}
		validateFilters(&verr, "avoidMoves", req.AvoidMoves, width, height)
		validateFilters(&verr, "allowMoves", req.AllowMoves, width, height)
	}

	switch n := len(req.AnalyzeTurns); {
	case n > 1:
		// each turn is a final answer of its own
		verr.add("analyzeTurns", "at most one turn per request, got %d", n)
	case n == 1 && (req.AnalyzeTurns[0] < 0 || req.AnalyzeTurns[0] > len(req.Moves)):
		verr.add("analyzeTurns", "turn must be within [0, %d], got %d", len(req.Moves), req.AnalyzeTurns[0])
	}

	if req.InitialPlayer != "" && !validPlayer(req.InitialPlayer) {
		verr.add("initialPlayer", "must be B or W, got %q", req.InitialPlayer)
	}
	if req.Rules != "" {
		if _, ok := knownRules[strings.ToLower(req.Rules)]; !ok {
			verr.add("rules", "unknown rules %q", req.Rules)
		}
	}
	if req.Komi != nil {
		k := *req.Komi
		switch {
		case !finite(k):
			verr.add("komi", "must be finite")
		case math.Abs(k) > maxKomi:
			verr.add("komi", "must be within [-%d, %d], got %g", maxKomi, maxKomi, k)
		case k*2 != math.Trunc(k*2):
			verr.add("komi", "must be an integer or half-integer, got %g", k)
		}
	}
	if req.MaxVisits != nil && *req.MaxVisits < 1 {
		verr.add("maxVisits", "must be at least 1, got %d", *req.MaxVisits)
	}
	if req.AnalysisPVLen != nil && *req.AnalysisPVLen < 1 {
		verr.add("analysisPvLen", "must be at least 1, got %d", *req.AnalysisPVLen)
	}
	if v := req.RootPolicyTemperature; v != nil && (!finite(*v) || *v <= 0) {
		verr.add("rootPolicyTemperature", "must be finite and positive")
	}
	if v := req.RootFpuReductionMax; v != nil && (!finite(*v) || *v < 0) {
		verr.add("rootFpuReductionMax", "must be finite and not negative")
	}
	if v := req.ReportDuringSearchEvery; v != nil && (!finite(*v) || *v <= 0) {
		verr.add("reportDuringSearchEvery", "must be finite and positive")
	}
	return verr.errOrNil()
}

func validateFilters(verr *ValidationError, name string, filters []model.MoveFilter, width, height int) {
	for i, f := range filters {
		field := fmt.Sprintf("%s[%d]", name, i)
		if !validPlayer(f.Player) {
			verr.add(field+".player", "must be B or W, got %q", f.Player)
		}
		if len(f.Moves) == 0 {
			verr.add(field+".moves", "must not be empty")
		}
		for j, mv := range f.Moves {
			if _, err := ParsePoint(mv, width, height); err != nil {
				verr.add(fmt.Sprintf("%s.moves[%d]", field, j), "%v", err)
			}
		}
		if f.UntilDepth < 1 {
			verr.add(field+".untilDepth", "must be at least 1, got %d", f.UntilDepth)
		}
	}
}

func validPlayer(s string) bool {
	return strings.EqualFold(s, "b") || strings.EqualFold(s, "w")
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// colors returns the color for every move: colors alternate, starting with
// initialPlayer, white in handicap games, black otherwise.
func colors(req model.AnalysisRequest) []string {
	first := "B"
	switch {
	case req.InitialPlayer != "":
		first = strings.ToUpper(req.InitialPlayer)
	case len(req.InitialStones) > 0:
		first = "W"
	}
	out := make([]string, len(req.Moves)+1)
	c := first
	for i := range out {
		out[i] = c
		c = opponent(c)
	}
	return out
}

func opponent(c string) string {
	if c == "B" {
		return "W"
	}
	return "B"
}

func komi(req model.AnalysisRequest) float64 {
	if req.Komi == nil {
		return defaultKomi
	}
	return *req.Komi
}

// rules infers japanese for integer komi or 6.5 and chinese otherwise, unless
// the request names the rules explicitly.
func rules(req model.AnalysisRequest) string {
	if req.Rules != "" {
		return strings.ToLower(req.Rules)
	}
	k := komi(req)
	if k == math.Floor(k) || math.Abs(k-6.5) < 0.01 {
		return "japanese"
	}
	return "chinese"
}

func maxVisits(req model.AnalysisRequest) int {
	if req.MaxVisits == nil {
		return defaultMaxVisits
	}
	return *req.MaxVisits
}
