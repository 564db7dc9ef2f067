package model

import (
	"encoding/json"
	"fmt"
)

const DefaultBoardSize = 19

// AnalysisRequest describes a position to analyze. Zero board sizes mean
// DefaultBoardSize, nil pointers mean "let the translator pick a default".
type AnalysisRequest struct {
	Moves                   []string       `json:"moves"`
	Rules                   string         `json:"rules,omitempty"`
	Komi                    *float64       `json:"komi,omitempty"`
	BoardXSize              int            `json:"boardXSize,omitempty"`
	BoardYSize              int            `json:"boardYSize,omitempty"`
	InitialStones           []Stone        `json:"initialStones,omitempty"`
	InitialPlayer           string         `json:"initialPlayer,omitempty"`
	AnalyzeTurns            []int          `json:"analyzeTurns,omitempty"`
	MaxVisits               *int           `json:"maxVisits,omitempty"`
	RootPolicyTemperature   *float64       `json:"rootPolicyTemperature,omitempty"`
	RootFpuReductionMax     *float64       `json:"rootFpuReductionMax,omitempty"`
	AnalysisPVLen           *int           `json:"analysisPvLen,omitempty"`
	IncludeOwnership        bool           `json:"includeOwnership,omitempty"`
	IncludeOwnershipStdev   bool           `json:"includeOwnershipStdev,omitempty"`
	IncludeMovesOwnership   bool           `json:"includeMovesOwnership,omitempty"`
	IncludePolicy           bool           `json:"includePolicy,omitempty"`
	IncludePVVisits         bool           `json:"includePvVisits,omitempty"`
	AvoidMoves              []MoveFilter   `json:"avoidMoves,omitempty"`
	AllowMoves              []MoveFilter   `json:"allowMoves,omitempty"`
	OverrideSettings        map[string]any `json:"overrideSettings,omitempty"`
	ReportDuringSearchEvery *float64       `json:"reportDuringSearchEvery,omitempty"`
	Priority                *int           `json:"priority,omitempty"`
	RequestID               string         `json:"requestId,omitempty"`
}

// Board returns the board dimensions with defaults applied.
func (r AnalysisRequest) Board() (width, height int) {
	width, height = r.BoardXSize, r.BoardYSize
	if width == 0 {
		width = DefaultBoardSize
	}
	if height == 0 {
		height = DefaultBoardSize
	}
	return width, height
}

// Turn is the turn to analyze: the one AnalyzeTurns names, the final
// position otherwise.
func (r AnalysisRequest) Turn() int {
	if len(r.AnalyzeTurns) == 1 {
		return r.AnalyzeTurns[0]
	}
	return len(r.Moves)
}

// Stone is a pre-placed stone, encoded as ["B", "D4"] like the engine does.
type Stone struct {
	Player string
	Move   string
}

func (s Stone) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{s.Player, s.Move})
}

func (s *Stone) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("stone must be a [player, move] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("stone must be a [player, move] pair, got %d elements", len(pair))
	}
	s.Player, s.Move = pair[0], pair[1]
	return nil
}

type MoveFilter struct {
	Player     string   `json:"player"`
	Moves      []string `json:"moves"`
	UntilDepth int      `json:"untilDepth"`
}

type AnalysisResponse struct {
	ID             string     `json:"id"`
	TurnNumber     int        `json:"turnNumber"`
	IsDuringSearch bool       `json:"isDuringSearch"`
	MoveInfos      []MoveInfo `json:"moveInfos"`
	RootInfo       *RootInfo  `json:"rootInfo,omitempty"`
	Ownership      []float64  `json:"ownership,omitempty"`
	OwnershipStdev []float64  `json:"ownershipStdev,omitempty"`
	Policy         []float64  `json:"policy,omitempty"`
	HumanPolicy    []float64  `json:"humanPolicy,omitempty"`
}

type MoveInfo struct {
	Move       string    `json:"moveCoord"`
	Visits     int       `json:"visits"`
	Winrate    float64   `json:"winrate"`
	ScoreMean  float64   `json:"scoreMean"`
	ScoreStdev float64   `json:"scoreStdev"`
	ScoreLead  float64   `json:"scoreLead"`
	Utility    float64   `json:"utility"`
	UtilityLCB *float64  `json:"utilityLcb,omitempty"`
	LCB        float64   `json:"lcb"`
	Prior      float64   `json:"prior"`
	HumanPrior *float64  `json:"humanPrior,omitempty"`
	Order      int       `json:"order"`
	PV         []string  `json:"pv,omitempty"`
	PVVisits   []int     `json:"pvVisits,omitempty"`
	Ownership  []float64 `json:"ownership,omitempty"`
}

type RootInfo struct {
	Winrate         float64  `json:"winrate"`
	ScoreLead       float64  `json:"scoreLead"`
	Utility         float64  `json:"utility"`
	Visits          int      `json:"visits"`
	CurrentPlayer   string   `json:"currentPlayer"`
	RawWinrate      *float64 `json:"rawWinrate,omitempty"`
	RawScoreMean    *float64 `json:"rawScoreMean,omitempty"`
	RawStScoreError *float64 `json:"rawStScoreError,omitempty"`
	HumanWinrate    *float64 `json:"humanWinrate,omitempty"`
	HumanScoreMean  *float64 `json:"humanScoreMean,omitempty"`
	HumanScoreStdev *float64 `json:"humanScoreStdev,omitempty"`
}

type EngineVersion struct {
	Version string `json:"version"`
	GitHash string `json:"gitHash,omitempty"`
}

type VersionInfo struct {
	Server ServerVersion  `json:"server"`
	Engine *EngineVersion `json:"katago,omitempty"`
	Model  ModelInfo      `json:"model"`
}

type ServerVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ModelInfo struct {
	Name string `json:"name"`
}
