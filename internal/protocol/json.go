package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/CZERTAINLY/katago-server/internal/model"
	"github.com/CZERTAINLY/katago-server/internal/router"
)

// JSON speaks the line-delimited JSON analysis engine protocol
// (katago analysis).
type JSON struct{}

var _ Translator = JSON{}

func (JSON) Name() string { return model.ProtocolJSON }

func (JSON) Capabilities() Capabilities {
	return Capabilities{
		Concurrent:       true,
		Policy:           true,
		PVVisits:         true,
		OverrideSettings: true,
		PartialResults:   true,
	}
}

type jsonFilter struct {
	Player     string   `json:"player"`
	Moves      []string `json:"moves"`
	UntilDepth int      `json:"untilDepth"`
}

type jsonQuery struct {
	ID                      string         `json:"id"`
	Moves                   [][2]string    `json:"moves"`
	InitialStones           [][2]string    `json:"initialStones,omitempty"`
	InitialPlayer           string         `json:"initialPlayer"`
	AnalyzeTurns            []int          `json:"analyzeTurns,omitempty"`
	Rules                   string         `json:"rules"`
	Komi                    float64        `json:"komi"`
	BoardXSize              int            `json:"boardXSize"`
	BoardYSize              int            `json:"boardYSize"`
	MaxVisits               int            `json:"maxVisits"`
	IncludeOwnership        bool           `json:"includeOwnership,omitempty"`
	IncludeOwnershipStdev   bool           `json:"includeOwnershipStdev,omitempty"`
	IncludeMovesOwnership   bool           `json:"includeMovesOwnership,omitempty"`
	IncludePolicy           bool           `json:"includePolicy,omitempty"`
	IncludePVVisits         bool           `json:"includePVVisits,omitempty"`
	AvoidMoves              []jsonFilter   `json:"avoidMoves,omitempty"`
	AllowMoves              []jsonFilter   `json:"allowMoves,omitempty"`
	OverrideSettings        map[string]any `json:"overrideSettings,omitempty"`
	ReportDuringSearchEvery *float64       `json:"reportDuringSearchEvery,omitempty"`
	Priority                *int           `json:"priority,omitempty"`
	RootPolicyTemperature   *float64       `json:"rootPolicyTemperature,omitempty"`
	RootFpuReductionMax     *float64       `json:"rootFpuReductionMax,omitempty"`
	AnalysisPVLen           *int           `json:"analysisPVLen,omitempty"`
}

type jsonAction struct {
	ID     string `json:"id"`
	Action string `json:"action"`
}

func (JSON) EncodeAnalyze(id string, req model.AnalysisRequest) (EngineCommand, error) {
	if err := Validate(req); err != nil {
		return EngineCommand{}, err
	}
	width, height := req.Board()
	cols := colors(req)

	q := jsonQuery{
		ID:                      id,
		Moves:                   make([][2]string, len(req.Moves)),
		InitialPlayer:           cols[0],
		AnalyzeTurns:            req.AnalyzeTurns,
		Rules:                   rules(req),
		Komi:                    komi(req),
		BoardXSize:              width,
		BoardYSize:              height,
		MaxVisits:               maxVisits(req),
		IncludeOwnership:        req.IncludeOwnership,
		IncludeOwnershipStdev:   req.IncludeOwnershipStdev,
		IncludeMovesOwnership:   req.IncludeMovesOwnership,
		IncludePolicy:           req.IncludePolicy,
		IncludePVVisits:         req.IncludePVVisits,
		OverrideSettings:        req.OverrideSettings,
		ReportDuringSearchEvery: req.ReportDuringSearchEvery,
		Priority:                req.Priority,
		RootPolicyTemperature:   req.RootPolicyTemperature,
		RootFpuReductionMax:     req.RootFpuReductionMax,
		AnalysisPVLen:           req.AnalysisPVLen,
	}
	for i, mv := range req.Moves {
		c, _ := canonicalMove(mv, width, height)
		q.Moves[i] = [2]string{cols[i], c}
	}
	for _, st := range req.InitialStones {
		c, _ := canonicalMove(st.Move, width, height)
		q.InitialStones = append(q.InitialStones, [2]string{strings.ToUpper(st.Player), c})
	}
	q.AvoidMoves = jsonFilters(req.AvoidMoves, width, height)
	q.AllowMoves = jsonFilters(req.AllowMoves, width, height)

	line, err := json.Marshal(q)
	if err != nil {
		return EngineCommand{}, fmt.Errorf("encoding query %s: %w", id, err)
	}
	return EngineCommand{ID: id, Kind: KindAnalyze, Width: width, Height: height, Turn: req.Turn(), Line: line}, nil
}

func jsonFilters(filters []model.MoveFilter, width, height int) []jsonFilter {
	if len(filters) == 0 {
		return nil
	}
	out := make([]jsonFilter, len(filters))
	for i, f := range filters {
		moves := make([]string, len(f.Moves))
		for j, mv := range f.Moves {
			moves[j], _ = canonicalMove(mv, width, height)
		}
		out[i] = jsonFilter{Player: strings.ToUpper(f.Player), Moves: moves, UntilDepth: f.UntilDepth}
	}
	return out
}

func (JSON) EncodeVersion(id string) EngineCommand {
	return jsonActionCommand(id, KindVersion, "query_version")
}

func (JSON) EncodeClearCache(id string) EngineCommand {
	return jsonActionCommand(id, KindClearCache, "clear_cache")
}

func jsonActionCommand(id string, kind Kind, action string) EngineCommand {
	// a struct of two strings always marshals
	line, _ := json.Marshal(jsonAction{ID: id, Action: action})
	return EngineCommand{ID: id, Kind: kind, Line: line}
}

type jsonEnvelope struct {
	ID             string `json:"id"`
	IsDuringSearch bool   `json:"isDuringSearch"`
	Error          string `json:"error"`
	Warning        string `json:"warning"`
	Field          string `json:"field"`
}

// Frame reads only the envelope. Lines carrying a warning precede the real
// answer, so they are not final. An error without an id is a query the
// engine could not even parse; it belongs to nobody.
func (JSON) Frame(line []byte) (router.Frame, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return router.Frame{}, protocolErr("", line, err, "not a JSON object")
	}
	if env.ID == "" && env.Error != "" {
		return router.Frame{}, &EngineError{Message: env.Error, Field: env.Field}
	}
	return router.Frame{
		ID:    env.ID,
		Final: !env.IsDuringSearch && env.Warning == "",
		Line:  append([]byte(nil), line...),
	}, nil
}

type jsonMoveInfo struct {
	Move       string    `json:"move"`
	Visits     int       `json:"visits"`
	Winrate    float64   `json:"winrate"`
	ScoreMean  float64   `json:"scoreMean"`
	ScoreStdev float64   `json:"scoreStdev"`
	ScoreLead  float64   `json:"scoreLead"`
	Utility    float64   `json:"utility"`
	UtilityLCB *float64  `json:"utilityLcb"`
	LCB        float64   `json:"lcb"`
	Prior      float64   `json:"prior"`
	HumanPrior *float64  `json:"humanPrior"`
	Order      int       `json:"order"`
	PV         []string  `json:"pv"`
	PVVisits   []int     `json:"pvVisits"`
	Ownership  []float64 `json:"ownership"`
}

type jsonResponse struct {
	jsonEnvelope
	TurnNumber     int             `json:"turnNumber"`
	MoveInfos      []jsonMoveInfo  `json:"moveInfos"`
	RootInfo       *model.RootInfo `json:"rootInfo"`
	Ownership      []float64       `json:"ownership"`
	OwnershipStdev []float64       `json:"ownershipStdev"`
	Policy         []float64       `json:"policy"`
	HumanPolicy    []float64       `json:"humanPolicy"`
}

func (JSON) DecodeAnalysis(cmd EngineCommand, frame router.Frame) (model.AnalysisResponse, error) {
	var raw jsonResponse
	if err := json.Unmarshal(frame.Line, &raw); err != nil {
		return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "decoding analysis")
	}
	if raw.Error != "" {
		return model.AnalysisResponse{}, &EngineError{ID: frame.ID, Message: raw.Error, Field: raw.Field}
	}
	if raw.Warning != "" {
		return model.AnalysisResponse{}, &Warning{ID: frame.ID, Message: raw.Warning, Field: raw.Field}
	}
	w, h := cmd.Width, cmd.Height
	if w == 0 || h == 0 {
		w, h = model.DefaultBoardSize, model.DefaultBoardSize
	}
	points := w * h

	if err := checkLen(raw.Ownership, points, "ownership"); err != nil {
		return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "decoding analysis")
	}
	if err := checkLen(raw.OwnershipStdev, points, "ownershipStdev"); err != nil {
		return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "decoding analysis")
	}
	if err := checkLen(raw.Policy, points+1, "policy"); err != nil {
		return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "decoding analysis")
	}
	if err := checkLen(raw.HumanPolicy, points+1, "humanPolicy"); err != nil {
		return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "decoding analysis")
	}

	resp := model.AnalysisResponse{
		ID:             frame.ID,
		TurnNumber:     raw.TurnNumber,
		IsDuringSearch: raw.IsDuringSearch,
		MoveInfos:      make([]model.MoveInfo, 0, len(raw.MoveInfos)),
		RootInfo:       raw.RootInfo,
		Ownership:      raw.Ownership,
		OwnershipStdev: raw.OwnershipStdev,
		Policy:         raw.Policy,
		HumanPolicy:    raw.HumanPolicy,
	}
	for i, mi := range raw.MoveInfos {
		move, err := canonicalMove(mi.Move, w, h)
		if err != nil {
			return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "moveInfos[%d].move", i)
		}
		pv := make([]string, len(mi.PV))
		for j, p := range mi.PV {
			if pv[j], err = canonicalMove(p, w, h); err != nil {
				return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "moveInfos[%d].pv[%d]", i, j)
			}
		}
		if err := checkLen(mi.Ownership, points, "ownership"); err != nil {
			return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "moveInfos[%d]", i)
		}
		resp.MoveInfos = append(resp.MoveInfos, model.MoveInfo{
			Move:       move,
			Visits:     mi.Visits,
			Winrate:    mi.Winrate,
			ScoreMean:  mi.ScoreMean,
			ScoreStdev: mi.ScoreStdev,
			ScoreLead:  mi.ScoreLead,
			Utility:    mi.Utility,
			UtilityLCB: mi.UtilityLCB,
			LCB:        mi.LCB,
			Prior:      mi.Prior,
			HumanPrior: mi.HumanPrior,
			Order:      mi.Order,
			PV:         pv,
			PVVisits:   mi.PVVisits,
			Ownership:  mi.Ownership,
		})
	}
	return resp, nil
}

func checkLen(values []float64, want int, name string) error {
	if values != nil && len(values) != want {
		return fmt.Errorf("%s has %d values, expected %d", name, len(values), want)
	}
	return nil
}

type jsonVersion struct {
	jsonEnvelope
	Version string `json:"version"`
	GitHash string `json:"git_hash"`
}

var errMissingVersion = errors.New("missing version")

func (JSON) DecodeVersion(frame router.Frame) (model.EngineVersion, error) {
	var raw jsonVersion
	if err := json.Unmarshal(frame.Line, &raw); err != nil {
		return model.EngineVersion{}, protocolErr(frame.ID, frame.Line, err, "decoding version")
	}
	if raw.Error != "" {
		return model.EngineVersion{}, &EngineError{ID: frame.ID, Message: raw.Error, Field: raw.Field}
	}
	if raw.Version == "" {
		return model.EngineVersion{}, protocolErr(frame.ID, frame.Line, errMissingVersion, "decoding version")
	}
	return model.EngineVersion{Version: raw.Version, GitHash: raw.GitHash}, nil
}

func (JSON) DecodeClearCache(frame router.Frame) error {
	var raw jsonEnvelope
	if err := json.Unmarshal(frame.Line, &raw); err != nil {
		return protocolErr(frame.ID, frame.Line, err, "decoding clear_cache")
	}
	if raw.Error != "" {
		return &EngineError{ID: frame.ID, Message: raw.Error, Field: raw.Field}
	}
	return nil
}
