// Package protocol maps analysis requests and responses to KataGo wire lines.
// Translators are pure: they never touch the process and keep no state.
package protocol

import (
	"fmt"

	"github.com/CZERTAINLY/katago-server/internal/model"
	"github.com/CZERTAINLY/katago-server/internal/router"
)

const (
	defaultKomi      = 7.5
	defaultMaxVisits = 10
)

type Kind int

const (
	KindAnalyze Kind = iota + 1
	KindVersion
	KindClearCache
)

func (k Kind) String() string {
	switch k {
	case KindAnalyze:
		return "analyze"
	case KindVersion:
		return "version"
	case KindClearCache:
		return "clear_cache"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// EngineCommand is a validated outbound command. Setup lines carry no id and
// must be written together with Line, without other writes in between.
type EngineCommand struct {
	ID     string
	Kind   Kind
	Width  int
	Height int
	Turn   int
	Setup  [][]byte
	Line   []byte
}

// Lines returns Setup followed by Line.
func (c EngineCommand) Lines() [][]byte {
	out := make([][]byte, 0, len(c.Setup)+1)
	out = append(out, c.Setup...)
	return append(out, c.Line)
}

// Capabilities describes what a wire form can express.
type Capabilities struct {
	// Concurrent reports whether several analyses may be outstanding at once.
	Concurrent       bool
	Policy           bool
	PVVisits         bool
	OverrideSettings bool
	PartialResults   bool
}

type Translator interface {
	router.Framer
	Name() string
	Capabilities() Capabilities
	EncodeAnalyze(id string, req model.AnalysisRequest) (EngineCommand, error)
	EncodeVersion(id string) EngineCommand
	EncodeClearCache(id string) EngineCommand
	DecodeAnalysis(cmd EngineCommand, frame router.Frame) (model.AnalysisResponse, error)
	DecodeVersion(frame router.Frame) (model.EngineVersion, error)
	DecodeClearCache(frame router.Frame) error
}

// New returns the translator for protocol, model.ProtocolJSON or
// model.ProtocolGTP.
func New(protocol string) (Translator, error) {
	switch protocol {
	case model.ProtocolJSON, "":
		return JSON{}, nil
	case model.ProtocolGTP:
		return GTP{}, nil
	default:
		return nil, fmt.Errorf("unsupported engine protocol %q", protocol)
	}
}
