package service_test

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const stubEnv = "KATAGO_STUB"

// stub turns the test binary into a fake engine. Analysis queries of the
// json engine pick their behavior through overrideSettings.stub.
func stub(mode string) int {
	switch mode {
	case "json":
		return jsonStub(false)
	case "json-once":
		// answers the handshake only, keepalive probes hang
		return jsonStub(true)
	case "gtp":
		return gtpStub()
	case "exit":
		fmt.Fprintln(os.Stderr, "fatal: could not load model")
		return 3
	default:
		fmt.Fprintln(os.Stderr, "unknown stub mode", mode)
		return 2
	}
}

type stubWriter struct {
	mx sync.Mutex
	w  *bufio.Writer
}

func (s *stubWriter) line(line string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, _ = s.w.WriteString(line + "\n")
	_ = s.w.Flush()
}

func (s *stubWriter) json(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.line(string(b))
}

type stubQuery struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Moves            [][2]string    `json:"moves"`
	OverrideSettings map[string]any `json:"overrideSettings"`
}

func (q stubQuery) lastMove() string {
	if len(q.Moves) == 0 {
		return "pass"
	}
	return q.Moves[len(q.Moves)-1][1]
}

func (q stubQuery) answer(during bool) map[string]any {
	move := q.lastMove()
	return map[string]any{
		"id":             q.ID,
		"turnNumber":     len(q.Moves),
		"isDuringSearch": during,
		"moveInfos": []map[string]any{{
			"move": move, "visits": 10, "winrate": 0.52, "scoreLead": 0.4,
			"prior": 0.1, "order": 0, "pv": []string{move},
		}},
		"rootInfo": map[string]any{
			"winrate": 0.52, "scoreLead": 0.4, "utility": 0.02, "visits": 11, "currentPlayer": "B",
		},
	}
}

func jsonStub(versionOnce bool) int {
	out := &stubWriter{w: bufio.NewWriter(os.Stdout)}
	in := bufio.NewReader(os.Stdin)
	versions := 0
	var held *stubQuery

	for {
		line, err := in.ReadBytes('\n')
		if err != nil {
			return 0
		}
		var q stubQuery
		if err := json.Unmarshal(line, &q); err != nil {
			out.line(`{"error":"could not parse json"}`)
			continue
		}

		switch q.Action {
		case "query_version":
			versions++
			if versionOnce && versions > 1 {
				continue
			}
			out.json(map[string]any{"id": q.ID, "version": "1.15.3", "git_hash": "0123abcd"})
			continue
		case "clear_cache":
			out.json(map[string]any{"id": q.ID, "action": "clear_cache"})
			continue
		}

		behavior, _ := q.OverrideSettings["stub"].(string)
		switch behavior {
		case "die":
			os.Exit(1)
		case "silent":
		case "hold":
			held = &q
		case "partial":
			out.json(q.answer(true))
			out.json(q.answer(true))
			out.json(q.answer(false))
		case "slow":
			time.AfterFunc(200*time.Millisecond, func() { out.json(q.answer(false)) })
		case "warn":
			out.json(map[string]any{"id": q.ID, "warning": "unused field", "field": "foo"})
			out.json(q.answer(false))
		case "error":
			out.json(map[string]any{"id": q.ID, "error": "Illegal move", "field": "moves"})
		case "garbage":
			out.line(fmt.Sprintf(`{"id":%q,"turnNumber":1,"moveInfos":"x"}`, q.ID))
		default:
			out.json(q.answer(false))
			if held != nil {
				out.json(held.answer(false))
				held = nil
			}
		}
	}
}

func gtpStub() int {
	out := &stubWriter{w: bufio.NewWriter(os.Stdout)}
	in := bufio.NewReader(os.Stdin)
	last := "pass"

	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return 0
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		id := ""
		if fields[0][0] >= '0' && fields[0][0] <= '9' {
			id, fields = fields[0], fields[1:]
		}

		switch fields[0] {
		case "komi":
			if fields[1] == "99" {
				os.Exit(1)
			}
		case "clear_board":
			last = "pass"
		case "play":
			last = strings.ToUpper(fields[2])
		case "version":
			out.line("=" + id + " 1.15.3\n")
			continue
		case "kata-search_analyze":
			out.line(fmt.Sprintf("=%s info move %s visits 10 winrate 0.52 scoreLead 0.4 prior 0.1 order 0 pv %s "+
				"rootInfo visits 11 winrate 0.52 scoreLead 0.4 utility 0.02 currentPlayer %s\n", id, last, last, fields[1]))
			continue
		}
		out.line("=" + id + "\n")
	}
}
