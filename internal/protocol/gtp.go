package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/katago-server/internal/model"
	"github.com/CZERTAINLY/katago-server/internal/router"
)

// GTP speaks the legacy plain-text command form (katago gtp). The board is
// global engine state, so only one analysis may be outstanding at a time and
// every analysis replays the whole position in its setup lines.
//
// Replies are expected on a single line, "=<id> <body>" or "?<id> <message>".
// Lines without an id, including the acks of the setup lines, are chatter.
type GTP struct{}

var _ Translator = GTP{}

func (GTP) Name() string { return model.ProtocolGTP }

func (GTP) Capabilities() Capabilities {
	return Capabilities{}
}

func (GTP) EncodeAnalyze(id string, req model.AnalysisRequest) (EngineCommand, error) {
	if err := Validate(req); err != nil {
		return EngineCommand{}, err
	}
	var verr ValidationError
	if req.IncludePolicy {
		verr.add("includePolicy", "not supported by the gtp protocol")
	}
	if req.IncludePVVisits {
		verr.add("includePvVisits", "not supported by the gtp protocol")
	}
	if req.IncludeOwnershipStdev {
		verr.add("includeOwnershipStdev", "not supported by the gtp protocol")
	}
	if req.IncludeMovesOwnership {
		verr.add("includeMovesOwnership", "not supported by the gtp protocol")
	}
	if len(req.OverrideSettings) > 0 {
		verr.add("overrideSettings", "not supported by the gtp protocol")
	}
	if req.ReportDuringSearchEvery != nil {
		verr.add("reportDuringSearchEvery", "not supported by the gtp protocol")
	}
	if err := verr.errOrNil(); err != nil {
		return EngineCommand{}, err
	}

	width, height := req.Board()
	cols := colors(req)
	var setup []string
	if width == height {
		setup = append(setup, fmt.Sprintf("boardsize %d", width))
	} else {
		setup = append(setup, fmt.Sprintf("rectangular_boardsize %d %d", width, height))
	}
	setup = append(setup,
		"clear_board",
		"komi "+strconv.FormatFloat(komi(req), 'f', -1, 64),
		"kata-set-rules "+rules(req),
		fmt.Sprintf("kata-set-param maxVisits %d", maxVisits(req)),
	)
	if v := req.RootPolicyTemperature; v != nil {
		setup = append(setup, "kata-set-param rootPolicyTemperature "+strconv.FormatFloat(*v, 'f', -1, 64))
	}
	if v := req.RootFpuReductionMax; v != nil {
		setup = append(setup, "kata-set-param rootFpuReductionMax "+strconv.FormatFloat(*v, 'f', -1, 64))
	}
	if v := req.AnalysisPVLen; v != nil {
		setup = append(setup, fmt.Sprintf("kata-set-param analysisPVLen %d", *v))
	}
	for _, st := range req.InitialStones {
		c, _ := canonicalMove(st.Move, width, height)
		setup = append(setup, "play "+strings.ToUpper(st.Player)+" "+c)
	}
	// the board only knows the moves up to the analyzed turn
	turn := req.Turn()
	for i, mv := range req.Moves[:turn] {
		c, _ := canonicalMove(mv, width, height)
		setup = append(setup, "play "+cols[i]+" "+c)
	}

	var b strings.Builder
	b.WriteString(id)
	b.WriteString(" kata-search_analyze ")
	b.WriteString(cols[turn])
	b.WriteString(" rootInfo true")
	if req.IncludeOwnership {
		b.WriteString(" ownership true")
	}
	writeGTPFilters(&b, "avoid", req.AvoidMoves, width, height)
	writeGTPFilters(&b, "allow", req.AllowMoves, width, height)

	cmd := EngineCommand{
		ID:     id,
		Kind:   KindAnalyze,
		Width:  width,
		Height: height,
		Turn:   turn,
		Setup:  make([][]byte, len(setup)),
		Line:   []byte(b.String()),
	}
	for i, s := range setup {
		cmd.Setup[i] = []byte(s)
	}
	return cmd, nil
}

func writeGTPFilters(b *strings.Builder, verb string, filters []model.MoveFilter, width, height int) {
	for _, f := range filters {
		moves := make([]string, len(f.Moves))
		for i, mv := range f.Moves {
			moves[i], _ = canonicalMove(mv, width, height)
		}
		fmt.Fprintf(b, " %s %s %s %d", verb, strings.ToUpper(f.Player), strings.Join(moves, ","), f.UntilDepth)
	}
}

func (GTP) EncodeVersion(id string) EngineCommand {
	return EngineCommand{ID: id, Kind: KindVersion, Line: []byte(id + " version")}
}

func (GTP) EncodeClearCache(id string) EngineCommand {
	return EngineCommand{ID: id, Kind: KindClearCache, Line: []byte(id + " clear_cache")}
}

// splitReply splits "=12 body" into ok, id and body.
func splitReply(line []byte) (ok bool, id string, body string, reply bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || (line[0] != '=' && line[0] != '?') {
		return false, "", "", false
	}
	ok = line[0] == '='
	rest := line[1:]
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	return ok, string(rest[:n]), strings.TrimSpace(string(rest[n:])), true
}

func (GTP) Frame(line []byte) (router.Frame, error) {
	ok, id, body, reply := splitReply(line)
	if !reply {
		return router.Frame{}, nil
	}
	if id == "" && !ok {
		return router.Frame{}, &EngineError{Message: body}
	}
	return router.Frame{ID: id, Final: true, Line: append([]byte(nil), line...)}, nil
}

func (GTP) DecodeAnalysis(cmd EngineCommand, frame router.Frame) (model.AnalysisResponse, error) {
	ok, id, body, _ := splitReply(frame.Line)
	if !ok {
		return model.AnalysisResponse{}, &EngineError{ID: id, Message: body}
	}
	resp, err := parseAnalysis(body, cmd.Width, cmd.Height)
	if err != nil {
		return model.AnalysisResponse{}, protocolErr(frame.ID, frame.Line, err, "decoding kata-search_analyze")
	}
	resp.ID = frame.ID
	resp.TurnNumber = cmd.Turn
	return resp, nil
}

var errMissingVersionBody = errors.New("empty version reply")

func (GTP) DecodeVersion(frame router.Frame) (model.EngineVersion, error) {
	ok, id, body, _ := splitReply(frame.Line)
	if !ok {
		return model.EngineVersion{}, &EngineError{ID: id, Message: body}
	}
	if body == "" {
		return model.EngineVersion{}, protocolErr(frame.ID, frame.Line, errMissingVersionBody, "decoding version")
	}
	return model.EngineVersion{Version: strings.Fields(body)[0]}, nil
}

func (GTP) DecodeClearCache(frame router.Frame) error {
	ok, id, body, _ := splitReply(frame.Line)
	if !ok {
		return &EngineError{ID: id, Message: body}
	}
	return nil
}

// gtpParser reads the kata-search_analyze body:
//
//	(info move M visits N (key value)* pv M*)* [rootInfo (key value)*] [ownership f*]
type gtpParser struct {
	tokens []string
	pos    int
	width  int
	height int
}

var (
	errUnexpectedEnd = errors.New("unexpected end of line")
	errNoMoveInfo    = errors.New("info block without move or visits")
)

// isSection reports tokens starting a new block of the reply.
func isSection(tok string) bool {
	switch tok {
	case "info", "rootInfo", "ownership", "ownershipStdev":
		return true
	}
	return false
}

func isMultiValue(tok string) bool {
	switch tok {
	case "pvVisits", "pvEdgeVisits", "movesOwnership":
		return true
	}
	return false
}

func parseAnalysis(body string, width, height int) (model.AnalysisResponse, error) {
	p := &gtpParser{tokens: strings.Fields(body), width: width, height: height}
	resp := model.AnalysisResponse{MoveInfos: []model.MoveInfo{}}
	for !p.done() {
		tok := p.next()
		switch tok {
		case "info":
			mi, err := p.moveInfo()
			if err != nil {
				return resp, err
			}
			resp.MoveInfos = append(resp.MoveInfos, mi)
		case "rootInfo":
			ri, err := p.rootInfo()
			if err != nil {
				return resp, err
			}
			resp.RootInfo = &ri
		case "ownership":
			values, err := p.floats()
			if err != nil {
				return resp, err
			}
			if len(values) != width*height {
				return resp, fmt.Errorf("ownership has %d values, expected %d", len(values), width*height)
			}
			resp.Ownership = values
		case "ownershipStdev":
			values, err := p.floats()
			if err != nil {
				return resp, err
			}
			if len(values) != width*height {
				return resp, fmt.Errorf("ownershipStdev has %d values, expected %d", len(values), width*height)
			}
			resp.OwnershipStdev = values
		default:
			return resp, fmt.Errorf("unexpected token %q", tok)
		}
	}
	return resp, nil
}

func (p *gtpParser) done() bool { return p.pos >= len(p.tokens) }

func (p *gtpParser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *gtpParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *gtpParser) value(key string) (string, error) {
	if p.done() || isSection(p.peek()) {
		return "", fmt.Errorf("%w: %s has no value", errUnexpectedEnd, key)
	}
	return p.next(), nil
}

func (p *gtpParser) floatValue(key string) (float64, error) {
	s, err := p.value(key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func (p *gtpParser) intValue(key string) (int, error) {
	s, err := p.value(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func (p *gtpParser) skipMulti() {
	for !p.done() && !isSection(p.peek()) && !isMultiValue(p.peek()) && p.peek() != "pv" {
		p.pos++
	}
}

func (p *gtpParser) moveInfo() (model.MoveInfo, error) {
	var mi model.MoveInfo
	var haveMove, haveVisits bool
	for !p.done() && !isSection(p.peek()) {
		key := p.next()
		var err error
		switch key {
		case "move":
			var s string
			if s, err = p.value(key); err == nil {
				mi.Move, err = canonicalMove(s, p.width, p.height)
				haveMove = true
			}
		case "visits":
			mi.Visits, err = p.intValue(key)
			haveVisits = true
		case "order":
			mi.Order, err = p.intValue(key)
		case "winrate":
			mi.Winrate, err = p.floatValue(key)
		case "scoreMean":
			mi.ScoreMean, err = p.floatValue(key)
		case "scoreStdev":
			mi.ScoreStdev, err = p.floatValue(key)
		case "scoreLead":
			mi.ScoreLead, err = p.floatValue(key)
		case "utility":
			mi.Utility, err = p.floatValue(key)
		case "utilityLcb":
			var f float64
			if f, err = p.floatValue(key); err == nil {
				mi.UtilityLCB = &f
			}
		case "lcb":
			mi.LCB, err = p.floatValue(key)
		case "prior":
			mi.Prior, err = p.floatValue(key)
		case "pv":
			for !p.done() && !isSection(p.peek()) && !isMultiValue(p.peek()) {
				var mv string
				if mv, err = canonicalMove(p.next(), p.width, p.height); err != nil {
					break
				}
				mi.PV = append(mi.PV, mv)
			}
		default:
			if isMultiValue(key) {
				p.skipMulti()
				continue
			}
			_, err = p.value(key)
		}
		if err != nil {
			return mi, err
		}
	}
	if !haveMove || !haveVisits {
		return mi, errNoMoveInfo
	}
	return mi, nil
}

func (p *gtpParser) rootInfo() (model.RootInfo, error) {
	var ri model.RootInfo
	for !p.done() && !isSection(p.peek()) {
		key := p.next()
		var err error
		switch key {
		case "visits":
			ri.Visits, err = p.intValue(key)
		case "winrate":
			ri.Winrate, err = p.floatValue(key)
		case "scoreLead":
			ri.ScoreLead, err = p.floatValue(key)
		case "utility":
			ri.Utility, err = p.floatValue(key)
		case "currentPlayer":
			ri.CurrentPlayer, err = p.value(key)
		case "rawWinrate":
			ri.RawWinrate, err = p.optFloat(key)
		case "rawScoreMean":
			ri.RawScoreMean, err = p.optFloat(key)
		case "rawStScoreError":
			ri.RawStScoreError, err = p.optFloat(key)
		default:
			_, err = p.value(key)
		}
		if err != nil {
			return ri, err
		}
	}
	return ri, nil
}

func (p *gtpParser) optFloat(key string) (*float64, error) {
	f, err := p.floatValue(key)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (p *gtpParser) floats() ([]float64, error) {
	var out []float64
	for !p.done() && !isSection(p.peek()) {
		f, err := strconv.ParseFloat(p.next(), 64)
		if err != nil {
			return nil, fmt.Errorf("ownership value: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}
