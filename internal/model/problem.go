package model

import (
	"strings"
)

const problemTypeBase = "https://katago-server/problems/"

// Problem is an RFC 7807 problem detail. Every failure leaving the analysis
// service is a *Problem, its cause stays reachable through errors.Is/As.
type Problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	cause error
}

func NewProblem(status int, title, detail string) *Problem {
	return &Problem{
		Type:   problemTypeBase + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

func (p *Problem) Error() string {
	return p.Title + ": " + p.Detail
}

func (p *Problem) Unwrap() error {
	return p.cause
}

func (p *Problem) WithCause(err error) *Problem {
	p.cause = err
	return p
}

func (p *Problem) WithCorrelationID(id string) *Problem {
	p.CorrelationID = id
	return p
}

func (p *Problem) WithInstance(instance string) *Problem {
	p.Instance = instance
	return p
}
