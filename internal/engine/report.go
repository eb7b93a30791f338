package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ggonzalez94/defi-sim/internal/id"
)

// TokenView is the rendered form of a token identity.
type TokenView struct {
	Symbol   string `json:"symbol"`
	ChainID  string `json:"chain_id"`
	Address  string `json:"address,omitempty"`
	Decimals int    `json:"decimals"`
}

type DeltaView struct {
	Token       TokenView `json:"token"`
	AmountBase  string    `json:"amount_base_units"`
	AmountHuman string    `json:"amount"`
}

// ActionView is one simulated action as shown to users and stored in run records.
type ActionView struct {
	Index       int         `json:"index"`
	Kind        string      `json:"kind"`
	Protocol    string      `json:"protocol,omitempty"`
	Pool        string      `json:"pool,omitempty"`
	ChainID     string      `json:"chain_id"`
	DestChainID string      `json:"destination_chain_id,omitempty"`
	Token       *TokenView  `json:"token,omitempty"`
	Token2      *TokenView  `json:"token2,omitempty"`
	OutputToken *TokenView  `json:"output_token,omitempty"`
	Amount      string      `json:"amount,omitempty"`
	AmountBase  string      `json:"amount_base_units,omitempty"`
	Amount2Base string      `json:"amount2_base_units,omitempty"`
	Output      string      `json:"output_base_units,omitempty"`
	InputHuman  string      `json:"input_amount,omitempty"`
	OutputHuman string      `json:"output_amount,omitempty"`
	Venue       string      `json:"venue,omitempty"`
	GasUsed     uint64      `json:"gas_used"`
	Deltas      []DeltaView `json:"deltas"`
	Touched     []string    `json:"touched"`
}

// Report is the rendered form of a SimResult.
type Report struct {
	RunID       string       `json:"run_id"`
	Success     bool         `json:"success"`
	Attempts    int          `json:"attempts"`
	Corrections []string     `json:"corrections"`
	Actions     []ActionView `json:"actions,omitempty"`
	Plan        []RawAction  `json:"plan"`
	Error       *ErrorView   `json:"error,omitempty"`
}

type ErrorView struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	Index     *int   `json:"index,omitempty"`
	ChainHint string `json:"chain_hint,omitempty"`
}

func (r SimResult) Report() Report {
	out := Report{
		RunID:       r.RunID,
		Success:     r.Success,
		Attempts:    r.Attempts,
		Corrections: r.Corrections,
		Plan:        r.Plan,
	}
	if out.Corrections == nil {
		out.Corrections = []string{}
	}
	for _, a := range r.Actions {
		out.Actions = append(out.Actions, viewAction(a))
	}
	if !r.Success {
		out.Error = &ErrorView{Class: r.Class.String(), Message: r.Message, Index: r.Index, ChainHint: r.ChainHint}
	}
	return out
}

func viewAction(a ResolvedAction) ActionView {
	v := ActionView{
		Index:    a.Origin,
		Kind:     string(a.Kind),
		Protocol: a.Protocol,
		Pool:     a.Pool,
		ChainID:  a.Chain.CAIP2(),
		Amount:   a.Amount.String(),
		Venue:    a.Venue,
		GasUsed:  a.GasUsed,
		Deltas:   []DeltaView{},
		Touched:  []string{},
	}
	if !a.DestChain.IsZero() {
		v.DestChainID = a.DestChain.CAIP2()
	}
	v.Token = viewToken(a.Token)
	if a.Token2 != nil {
		v.Token2 = viewToken(*a.Token2)
	}
	v.OutputToken = viewToken(a.OutputToken)
	if a.AmountBase != nil {
		v.AmountBase = a.AmountBase.String()
		v.InputHuman = id.FormatBaseUnits(a.AmountBase, a.Token.Decimals) + " " + a.Token.Symbol
	}
	if a.Amount2Base != nil {
		v.Amount2Base = a.Amount2Base.String()
	}
	if a.Output != nil {
		v.Output = a.Output.String()
		if produced, ok := a.ProducedToken(); ok {
			v.OutputHuman = id.FormatBaseUnits(a.Output, produced.Decimals) + " " + produced.Symbol
		}
	}
	for _, d := range a.Deltas {
		v.Deltas = append(v.Deltas, DeltaView{
			Token:       *viewToken(d.Token),
			AmountBase:  d.Amount.String(),
			AmountHuman: id.FormatBaseUnits(d.Amount, d.Token.Decimals),
		})
	}
	for _, addr := range a.Touched {
		v.Touched = append(v.Touched, strings.ToLower(addr.Hex()))
	}
	return v
}

func viewToken(t id.Token) *TokenView {
	if t.IsZero() {
		return nil
	}
	v := &TokenView{Symbol: t.Symbol, ChainID: "eip155:" + strconv.FormatInt(t.ChainID, 10), Decimals: t.Decimals}
	if !t.Native {
		v.Address = strings.ToLower(t.Address.Hex())
	}
	return v
}

// Lines is the plain-text rendering of a report.
func (r Report) Lines() []string {
	var lines []string
	if r.Success {
		lines = append(lines, fmt.Sprintf("run %s succeeded after %d attempt(s)", r.RunID, r.Attempts))
	} else if r.Error != nil {
		head := fmt.Sprintf("run %s failed (%s) after %d attempt(s): %s", r.RunID, r.Error.Class, r.Attempts, r.Error.Message)
		if r.Error.Index != nil {
			head += fmt.Sprintf(" [action %d]", *r.Error.Index+1)
		}
		lines = append(lines, head)
	}
	for _, c := range r.Corrections {
		lines = append(lines, "corrected: "+c)
	}
	for i, a := range r.Actions {
		line := fmt.Sprintf("%d. %s", i+1, a.Kind)
		if a.Protocol != "" {
			line += " on " + a.Protocol
		}
		if a.InputHuman != "" {
			line += " " + a.InputHuman
		}
		if a.OutputHuman != "" {
			line += " -> " + a.OutputHuman
		}
		line += " (" + a.ChainID
		if a.DestChainID != "" {
			line += " -> " + a.DestChainID
		}
		line += ")"
		if a.Venue != "" {
			line += " via " + a.Venue
		}
		lines = append(lines, line)
	}
	return lines
}
