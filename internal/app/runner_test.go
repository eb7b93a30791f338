package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := NewRunnerWithWriters(&stdout, &stderr).Run(args)
	return code, stdout.String(), stderr.String()
}

// envelope returns the last JSON object on stream that carries a success field.
// Log lines share stderr with error envelopes.
func envelope(t *testing.T, stream string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(stream))
	var found map[string]any
	for {
		var v map[string]any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("failed to parse output json: %v output=%s", err, stream)
		}
		if _, ok := v["success"]; ok {
			found = v
		}
	}
	if found == nil {
		t.Fatalf("no envelope in output: %s", stream)
	}
	return found
}

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

const testAddress = "0x00000000000000000000000000000000000000A1"

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("defisim runs list"); got != "runs list" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestRunnerNamesResolveProtocol(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "names", "resolve", "uni", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout)
	}
	if out["resolved"] != "uniswap" || out["kind"] != "protocol" {
		t.Fatalf("unexpected resolution %v", out)
	}
}

func TestRunnerNamesResolvePoolWithinProtocol(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "names", "resolve", "ETH/USDC", "--kind", "pool", "--protocol", "uni", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout)
	}
	if out["resolved"] != "eth-usdc" || out["protocol"] != "uniswap" {
		t.Fatalf("unexpected resolution %v", out)
	}
}

func TestRunnerNamesResolveUnknownIsAmbiguity(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "names", "resolve", "zzzzqqqq", "--results-only")
	if code != 21 {
		t.Fatalf("expected exit 21, got %d stderr=%s", code, stderr)
	}
	env := envelope(t, stderr)
	errBody := env["error"].(map[string]any)
	if env["success"] != false || errBody["type"] != "ambiguous_plan" {
		t.Fatalf("unexpected error envelope %v", env)
	}
}

func TestRunnerNamesResolveRejectsUnknownKind(t *testing.T) {
	isolate(t)
	if code, _, stderr := run(t, "names", "resolve", "uni", "--kind", "token"); code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr)
	}
}

func TestRunnerChainsReportsForkConfiguration(t *testing.T) {
	isolate(t)
	t.Setenv("DEFISIM_FORK_ENDPOINT_42161", "http://127.0.0.1:8545")
	t.Setenv("DEFISIM_FORK_BLOCK_42161", "250000000")
	code, stdout, stderr := run(t, "chains", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var chains []map[string]any
	if err := json.Unmarshal([]byte(stdout), &chains); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout)
	}
	var arbitrum, base map[string]any
	for _, c := range chains {
		switch c["chain_id"] {
		case "eip155:42161":
			arbitrum = c
		case "eip155:8453":
			base = c
		}
	}
	if arbitrum == nil || base == nil {
		t.Fatalf("expected arbitrum and base in %v", chains)
	}
	if arbitrum["fork_endpoint_configured"] != true || arbitrum["fork_block"] != float64(250000000) {
		t.Fatalf("unexpected arbitrum entry %v", arbitrum)
	}
	if base["fork_endpoint_configured"] != false {
		t.Fatalf("unexpected base entry %v", base)
	}
}

func TestRunnerProtocolsList(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "protocols", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var protocols []map[string]any
	if err := json.Unmarshal([]byte(stdout), &protocols); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout)
	}
	found := false
	for _, p := range protocols {
		if p["name"] == "gearbox" {
			found = p["off_wallet_debt"] == true
		}
	}
	if !found {
		t.Fatalf("expected gearbox with off-wallet debt in %v", protocols)
	}
}

func TestRunnerSchemaActions(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "schema", "actions", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, `"swap"`) || !strings.Contains(stdout, "outputToken") {
		t.Fatalf("unexpected schema output %s", stdout)
	}
}

func TestRunnerVersionJSON(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run(t, "version", "--json")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	env := envelope(t, stdout)
	data := env["data"].(map[string]any)
	if data["name"] != "defisim" {
		t.Fatalf("unexpected version data %v", data)
	}
}

func TestRunnerSimulateUnknownActionNamesIndex(t *testing.T) {
	isolate(t)
	plan := writePlan(t, `
chain: arbitrum
actions:
  - name: swap
    args:
      inputToken: eth
      outputToken: usdc
      inputAmount: "1"
  - name: teleport
    args:
      token: usdc
`)
	code, stdout, stderr := run(t, "simulate", "--plan", plan, "--address", testAddress, "--log-level", "error")
	if code != 21 {
		t.Fatalf("expected exit 21, got %d stdout=%s stderr=%s", code, stdout, stderr)
	}
	env := envelope(t, stderr)
	errBody := env["error"].(map[string]any)
	if errBody["type"] != "ambiguous_plan" || errBody["index"] != float64(1) {
		t.Fatalf("unexpected error body %v", errBody)
	}
	meta := env["meta"].(map[string]any)
	runID, _ := meta["run_id"].(string)
	if runID == "" || meta["attempts"] != float64(1) {
		t.Fatalf("unexpected meta %v", meta)
	}
	report := env["data"].(map[string]any)
	if report["success"] != false || len(report["plan"].([]any)) != 2 {
		t.Fatalf("expected failed report with the plan, got %v", report)
	}

	code, stdout, stderr = run(t, "runs", "list", "--status", "failed", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var runs []map[string]any
	if err := json.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("failed to parse runs json: %v output=%s", err, stdout)
	}
	if len(runs) != 1 || runs[0]["run_id"] != runID || runs[0]["class"] != "ambiguity" {
		t.Fatalf("unexpected runs %v", runs)
	}

	code, stdout, stderr = run(t, "runs", "show", runID, "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(stdout), &record); err != nil {
		t.Fatalf("failed to parse run json: %v output=%s", err, stdout)
	}
	if record["address"] != strings.ToLower(testAddress) || record["chain_hint"] != "arbitrum" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestRunnerSimulateSameChainBridgeIsInvalid(t *testing.T) {
	isolate(t)
	plan := writePlan(t, `[{"name": "bridge", "args": {"token": "usdc", "amount": "10", "sourceChainName": "base", "destinationChainName": "base"}}]`)
	code, _, stderr := run(t, "simulate", "--plan", plan, "--address", testAddress, "--log-level", "error")
	if code != 22 {
		t.Fatalf("expected exit 22, got %d stderr=%s", code, stderr)
	}
	env := envelope(t, stderr)
	if env["error"].(map[string]any)["type"] != "invalid_plan" {
		t.Fatalf("unexpected envelope %v", env)
	}
}

func TestRunnerSimulateRequiresAddress(t *testing.T) {
	isolate(t)
	plan := writePlan(t, "- name: swap\n  args: {inputToken: eth, outputToken: usdc, inputAmount: 1}\n")
	if code, _, stderr := run(t, "simulate", "--plan", plan); code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr)
	}
}

func TestRunnerRunsShowMissing(t *testing.T) {
	isolate(t)
	if code, _, stderr := run(t, "runs", "show", "nope"); code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr)
	}
}

func TestRunnerRejectsInvalidConfig(t *testing.T) {
	isolate(t)
	code, _, stderr := run(t, "chains", "--fork-provider", "carrier-pigeon")
	if code != 2 {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr)
	}
	if env := envelope(t, stderr); env["success"] != false {
		t.Fatalf("unexpected envelope %v", env)
	}
}

func TestParsePlanForms(t *testing.T) {
	list, err := parsePlan([]byte(`[{"name": "swap", "args": {"inputToken": "eth", "outputToken": "usdc", "inputAmount": 1}}]`))
	if err != nil {
		t.Fatalf("parse bare list: %v", err)
	}
	if len(list.Actions) != 1 || list.Actions[0].Args["outputToken"] != "usdc" {
		t.Fatalf("unexpected plan %+v", list)
	}

	doc, err := parsePlan([]byte("address: " + testAddress + "\nchain: base\nactions:\n  - name: withdraw\n"))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	if doc.Address != testAddress || doc.Chain != "base" || doc.Actions[0].Args == nil {
		t.Fatalf("unexpected plan %+v", doc)
	}

	if _, err := parsePlan([]byte("actions:\n  - args: {token: usdc}\n")); err == nil {
		t.Fatal("expected error for unnamed action")
	}
	if _, err := parsePlan(nil); err == nil {
		t.Fatal("expected error for empty plan")
	}
}

func TestGatherMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	results := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{Name: "results_total", Help: "h"}, []string{"outcome"})
	attempts := promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "attempts_total", Help: "h"})
	results.WithLabelValues("success").Add(2)
	attempts.Inc()

	samples, err := gatherMetrics(reg)
	if err != nil {
		t.Fatalf("gatherMetrics failed: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %+v", samples)
	}
	if samples[0].Name != "attempts_total" || samples[0].Value != 1 {
		t.Fatalf("unexpected first sample %+v", samples[0])
	}
	if samples[1].Labels["outcome"] != "success" || samples[1].Value != 2 {
		t.Fatalf("unexpected second sample %+v", samples[1])
	}
}
